package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/cboxdk/queue-autoscaler/internal/config"
	"github.com/cboxdk/queue-autoscaler/internal/connector/k8s"
	"github.com/cboxdk/queue-autoscaler/internal/connector/static"
	"github.com/cboxdk/queue-autoscaler/internal/election"
	"github.com/cboxdk/queue-autoscaler/internal/resilience"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/cboxdk/queue-autoscaler/internal/workload/fpm"
	"github.com/cboxdk/queue-autoscaler/internal/workload/rabbit"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
)

// SourceBuilder creates a service source from configuration
type SourceBuilder func(b *Builder) (types.ServiceSource, error)

// ScalerBuilder creates the raw service scaler from configuration
type ScalerBuilder func(b *Builder) (types.ServiceScaler, error)

// ElectorBuilder creates the leader elector from configuration
type ElectorBuilder func(ctx context.Context, b *Builder) (election.Elector, error)

// Registry maps configuration type names to component constructors
type Registry struct {
	Sources  map[string]SourceBuilder
	Scalers  map[string]ScalerBuilder
	Electors map[string]ElectorBuilder
}

// DefaultRegistry knows every connector and elector shipped in this module
func DefaultRegistry() *Registry {
	return &Registry{
		Sources: map[string]SourceBuilder{
			config.SourceTypeStatic:     buildStaticSource,
			config.SourceTypeKubernetes: buildKubernetesSource,
		},
		Scalers: map[string]ScalerBuilder{
			config.ScalerTypeStatic:     buildStaticScaler,
			config.ScalerTypeKubernetes: buildKubernetesScaler,
		},
		Electors: map[string]ElectorBuilder{
			config.ElectionTypeNone:  buildNullElector,
			config.ElectionTypeRedis: buildRedisElector,
		},
	}
}

// Builder holds what component constructors share: the configuration, the
// root logger, a lazily created Kubernetes client and cleanup hooks.
type Builder struct {
	Config *config.Config
	Logger *zap.Logger

	// Kubernetes overrides the clientset, mainly for tests
	Kubernetes kubernetes.Interface

	rabbit  *rabbit.Client
	closers []func() error
}

// NewBuilder creates a builder for cfg
func NewBuilder(cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{Config: cfg, Logger: logger}
}

// kubernetesClient returns the shared clientset, creating it on first use
func (b *Builder) kubernetesClient(cfg k8s.Config) (kubernetes.Interface, error) {
	if b.Kubernetes != nil {
		return b.Kubernetes, nil
	}
	client, err := k8s.NewClientset(cfg.Kubeconfig, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	b.Kubernetes = client
	return client, nil
}

// rabbitClient returns the shared management API client, creating it on
// first use
func (b *Builder) rabbitClient() (*rabbit.Client, error) {
	if b.rabbit != nil {
		return b.rabbit, nil
	}
	client, err := rabbit.NewClient(b.Config.Workloads.RabbitMQ.ClientConfig(), nil, b.Logger.Named("rabbitmq"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rabbitmq client: %w", err)
	}
	b.rabbit = client
	return client, nil
}

func (b *Builder) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close releases resources acquired while building, last acquired first
func (b *Builder) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}

// Source builds the configured service source
func (r *Registry) Source(b *Builder) (types.ServiceSource, error) {
	build, ok := r.Sources[b.Config.Source.Type]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q (known: %v)", b.Config.Source.Type, keys(r.Sources))
	}
	return build(b)
}

// Scaler builds the configured scaler wrapped in its circuit breaker
func (r *Registry) Scaler(b *Builder) (types.ServiceScaler, *resilience.CircuitBreaker, error) {
	build, ok := r.Scalers[b.Config.Scaler.Type]
	if !ok {
		return nil, nil, fmt.Errorf("unknown scaler type %q (known: %v)", b.Config.Scaler.Type, keys(r.Scalers))
	}
	scaler, err := build(b)
	if err != nil {
		return nil, nil, err
	}

	breaker := resilience.NewCircuitBreaker("scaler", b.Config.Scaler.CircuitBreaker, b.Logger.Named("breaker"))
	return resilience.NewProtectedScaler(scaler, breaker), breaker, nil
}

// Elector builds the configured leader elector
func (r *Registry) Elector(ctx context.Context, b *Builder) (election.Elector, error) {
	build, ok := r.Electors[b.Config.Election.Type]
	if !ok {
		return nil, fmt.Errorf("unknown election type %q (known: %v)", b.Config.Election.Type, keys(r.Electors))
	}
	return build(ctx, b)
}

// Factories builds one analyser factory per enabled workload
func (r *Registry) Factories(b *Builder) ([]types.WorkloadAnalyserFactory, error) {
	var factories []types.WorkloadAnalyserFactory
	workloads := b.Config.Workloads

	if workloads.RabbitMQ.Enabled {
		client, err := b.rabbitClient()
		if err != nil {
			return nil, err
		}
		factory, err := rabbit.NewFactory(client, workloads.RabbitMQ.ClientConfig().Profiles, b.Logger.Named("rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq analyser factory: %w", err)
		}
		factories = append(factories, factory)
	}

	if workloads.PHPFPM.Enabled {
		php := workloads.PHPFPM
		logger := b.Logger.Named("phpfpm")
		breaker := resilience.NewCircuitBreaker("phpfpm", php.CircuitBreaker, logger)
		client := fpm.NewClient(php.StatusPath, php.Probe, &http.Client{Timeout: php.Timeout}, breaker, logger)
		factory, err := fpm.NewFactory(client, fpm.NewReporter(client, nil), php.Profiles, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create phpfpm analyser factory: %w", err)
		}
		factories = append(factories, factory)
	}

	if len(factories) == 0 {
		return nil, fmt.Errorf("no workload analyser enabled")
	}
	return factories, nil
}

// ResourceMonitor returns the RabbitMQ node monitor when resource limits or
// alerts need it, and nil otherwise
func (r *Registry) ResourceMonitor(b *Builder) (types.ResourceMonitor, error) {
	cfg := b.Config
	if !cfg.Workloads.RabbitMQ.Enabled || (!cfg.Autoscaler.ResourceLimits.Enabled && !cfg.Alerts.Enabled) {
		return nil, nil
	}
	client, err := b.rabbitClient()
	if err != nil {
		return nil, err
	}
	return client.ResourceMonitor(), nil
}

func buildStaticSource(b *Builder) (types.ServiceSource, error) {
	return static.NewSource(b.Config.Source.Static.Targets), nil
}

func buildKubernetesSource(b *Builder) (types.ServiceSource, error) {
	cfg := b.Config.Source.Kubernetes
	client, err := b.kubernetesClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return k8s.NewSource(client, cfg, b.Logger.Named("k8s-source"))
}

func buildStaticScaler(b *Builder) (types.ServiceScaler, error) {
	return static.NewScaler(b.Config.Scaler.InitialInstances, b.Logger.Named("static-scaler")), nil
}

func buildKubernetesScaler(b *Builder) (types.ServiceScaler, error) {
	cfg := b.Config.Scaler.Kubernetes
	client, err := b.kubernetesClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return k8s.NewScaler(client, cfg, b.Logger.Named("k8s-scaler"))
}

func buildNullElector(context.Context, *Builder) (election.Elector, error) {
	return election.NullElector{}, nil
}

func buildRedisElector(ctx context.Context, b *Builder) (election.Elector, error) {
	client, err := election.DialRedis(ctx, b.Config.Election.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	b.onClose(client.Close)

	return election.NewLockElector(election.NewRedisLockStore(client), b.Config.Election.Lock, nil, b.Logger.Named("election"))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
