// Package telemetry wires OpenTelemetry tracing and the operational event
// history of the autoscaler.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultServiceName  = "queue-autoscaler"
	DefaultSamplingRate = 1.0
	DefaultOTLPTimeout  = 10 * time.Second

	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	shutdownTimeout = 5 * time.Second
)

// Config represents telemetry configuration
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Instance tells replicas apart when several autoscalers share a
	// collector. Defaults to the hostname.
	Instance string `yaml:"instance"`

	Exporter ExporterConfig `yaml:"exporter"`
	Sampling SamplingConfig `yaml:"sampling"`
}

// ExporterConfig selects where cycle spans are sent
type ExporterConfig struct {
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint,omitempty"` // host:port
	URLPath  string            `yaml:"url_path,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
}

// SamplingConfig configures trace sampling
type SamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0 to 1.0
}

// WithDefaults fills the service identity, exporter and sampling rate
func (c Config) WithDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Instance = host
		}
	}
	if c.Exporter.Type == "" {
		c.Exporter.Type = ExporterStdout
	}
	if c.Exporter.Type == ExporterOTLP && c.Exporter.Timeout == 0 {
		c.Exporter.Timeout = DefaultOTLPTimeout
	}
	if c.Sampling.Rate == 0 {
		c.Sampling.Rate = DefaultSamplingRate
	}
	return c
}

// Validate checks an enabled configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.Sampling.Rate)
	}
	switch c.Exporter.Type {
	case ExporterStdout:
	case ExporterOTLP:
		if c.Exporter.Endpoint == "" {
			return fmt.Errorf("OTLP endpoint is required")
		}
		// the endpoint is host:port, a scheme here is a common mistake
		if u, err := url.Parse(c.Exporter.Endpoint); err == nil && u.Host != "" {
			return fmt.Errorf("OTLP endpoint must be host:port without scheme, got %q", c.Exporter.Endpoint)
		}
		if c.Exporter.Timeout < 0 {
			return fmt.Errorf("OTLP timeout cannot be negative")
		}
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter.Type)
	}
	return nil
}

// Service owns the tracer provider behind scaling cycle and refresh spans
type Service struct {
	config   Config
	logger   *zap.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService creates a telemetry service. When enabled it installs the
// global tracer provider used by the scheduler spans.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	s := &Service{config: config, logger: logger}
	if !config.Enabled {
		logger.Info("Tracing disabled")
		return s, nil
	}

	ctx := context.Background()
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	}
	if config.Instance != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceIDKey.String(config.Instance)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, config.Exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", config.Exporter.Type, err)
	}

	s.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(config.Sampling.Rate)),
	)
	otel.SetTracerProvider(s.provider)
	s.tracer = s.provider.Tracer(config.ServiceName)

	logger.Info("Tracing enabled",
		zap.String("exporter", config.Exporter.Type),
		zap.String("instance", config.Instance),
		zap.Float64("sampling_rate", config.Sampling.Rate))

	return s, nil
}

// sampler follows the parent's decision so a refresh span and the cycle
// spans it triggers are kept or dropped together
func sampler(rate float64) trace.Sampler {
	if rate >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(rate))
}

func newSpanExporter(ctx context.Context, cfg ExporterConfig) (trace.SpanExporter, error) {
	switch cfg.Type {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("OTLP endpoint is required")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.URLPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Type)
	}
}

// Stop flushes buffered spans and shuts the provider down
func (s *Service) Stop(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.provider.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to flush spans", zap.Error(err))
		return err
	}
	s.logger.Debug("Tracer provider stopped")
	return nil
}

// Tracer returns the autoscaler tracer, or a no-op tracer when disabled
func (s *Service) Tracer() oteltrace.Tracer {
	if s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// IsEnabled reports whether spans are recorded
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}
