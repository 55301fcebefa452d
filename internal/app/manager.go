// Package app wires the configured components into a running autoscaler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cboxdk/queue-autoscaler/internal/alert"
	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/config"
	"github.com/cboxdk/queue-autoscaler/internal/election"
	"github.com/cboxdk/queue-autoscaler/internal/prometheus"
	"github.com/cboxdk/queue-autoscaler/internal/resilience"
	"github.com/cboxdk/queue-autoscaler/internal/storage"
	"github.com/cboxdk/queue-autoscaler/internal/telemetry"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
)

// Mode change reasons recorded in leadership events
const (
	ReasonElection = "election"
	ReasonManual   = "manual"
)

const componentStopTimeout = 10 * time.Second

// Manager coordinates all system components
type Manager struct {
	config  *config.Config
	logger  *zap.Logger
	clock   clock.Clock
	version string
	builder *Builder

	scheduler *autoscaler.Scheduler
	gate      *election.GatedScaler
	elector   election.Elector

	exporter *prometheus.Exporter
	server   *prometheus.Server

	telemetryService *telemetry.Service
	eventEmitter     *telemetry.EventEmitter
	recorder         *telemetry.Recorder
	database         *storage.Database

	// serveHTTP is false in tests that exercise the run group without a listener
	serveHTTP bool

	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	lastHealth *types.HealthResult
	lastMode   string
}

type options struct {
	registry   *Registry
	kubernetes kubernetes.Interface
	clock      clock.Clock
	version    string
	serveHTTP  bool
}

// Option customises manager construction
type Option func(*options)

// WithRegistry replaces the component registry
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithKubernetesClient injects the clientset used by the Kubernetes connector
func WithKubernetesClient(c kubernetes.Interface) Option {
	return func(o *options) { o.kubernetes = c }
}

// WithClock sets the clock driving the health monitor
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// withoutHTTP disables the HTTP server
func withoutHTTP() Option {
	return func(o *options) { o.serveHTTP = false }
}

// NewManager creates a manager from cfg. ctx bounds connection attempts
// made while building, such as dialling the election backend.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	o := options{
		registry:  DefaultRegistry(),
		clock:     clock.NewClock(),
		version:   "dev",
		serveHTTP: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		config:    cfg,
		logger:    logger,
		clock:     o.clock,
		version:   o.version,
		serveHTTP: o.serveHTTP,
		builder:   NewBuilder(cfg, logger),
	}
	m.builder.Kubernetes = o.kubernetes

	if err := m.build(ctx, o.registry); err != nil {
		m.cleanup()
		return nil, err
	}
	return m, nil
}

func (m *Manager) build(ctx context.Context, registry *Registry) error {
	cfg := m.config
	var err error

	m.telemetryService, err = telemetry.NewService(cfg.Telemetry, m.logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to create telemetry service: %w", err)
	}

	var eventStorage telemetry.EventStorage
	if cfg.Storage.Enabled {
		m.database, err = storage.Open(cfg.Storage, m.logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("failed to open event storage: %w", err)
		}
		eventStorage = m.database.Events()
	}

	m.eventEmitter = telemetry.NewEventEmitter(m.telemetryService, m.logger.Named("events"), eventStorage)
	m.recorder = telemetry.NewRecorder(m.eventEmitter, cfg.Autoscaler.EventBuffer, m.logger.Named("recorder"))

	m.exporter, err = prometheus.NewExporter(m.logger.Named("prometheus"))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	source, err := registry.Source(m.builder)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	scaler, breaker, err := registry.Scaler(m.builder)
	if err != nil {
		return fmt.Errorf("failed to create scaler: %w", err)
	}
	breaker.AddStateChangeListener(func(name string, from, to resilience.CircuitState) {
		m.logger.Warn("Scaler circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	factories, err := registry.Factories(m.builder)
	if err != nil {
		return err
	}

	m.elector, err = registry.Elector(ctx, m.builder)
	if err != nil {
		return fmt.Errorf("failed to create elector: %w", err)
	}

	schedulerOpts := []autoscaler.Option{
		autoscaler.WithObserver(autoscaler.MultiObserver{m.exporter, m.recorder}),
	}
	monitor, err := registry.ResourceMonitor(m.builder)
	if err != nil {
		return err
	}
	if monitor != nil {
		schedulerOpts = append(schedulerOpts, autoscaler.WithResourceMonitor(monitor))
	}
	if cfg.Alerts.Enabled {
		alerts, err := alert.NewResourceAlerts(cfg.Alerts, nil, m.clock, m.logger.Named("alerts"))
		if err != nil {
			return fmt.Errorf("failed to create alerts: %w", err)
		}
		schedulerOpts = append(schedulerOpts, autoscaler.WithPressureNotifier(alerts))
	}

	traced := telemetry.NewTracedScaler(scaler, m.telemetryService.GetTraceHelper())
	m.gate = election.NewGatedScaler(traced, m.logger.Named("gate"))
	m.lastMode = m.gate.Mode()

	m.scheduler, err = autoscaler.NewScheduler(
		cfg.Autoscaler.SchedulerConfig(),
		source,
		m.gate,
		factories,
		m.logger.Named("scheduler"),
		schedulerOpts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	components := prometheus.Components{
		Status:  m.scheduler,
		Health:  m,
		Mode:    m.gate.Mode,
		Version: m.version,
	}
	if m.database != nil {
		components.Events = m.eventEmitter
	}
	m.server = prometheus.NewServer(cfg.Server, m.exporter, components, m.logger.Named("server"))

	return nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	m.running = true
	m.startTime = m.clock.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if err := m.performPreflightChecks(); err != nil {
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	if m.database != nil {
		if err := m.database.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start event storage: %w", err)
		}
	}

	g.Go(func() error {
		return m.recorder.Run(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("Starting leader election", zap.String("type", m.config.Election.Type))
		return m.elector.Run(gCtx, m.onElection)
	})

	g.Go(func() error {
		if err := m.scheduler.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gCtx.Done()
		return m.scheduler.Stop()
	})

	if m.serveHTTP {
		g.Go(func() error {
			return m.server.Start(gCtx)
		})
	}

	g.Go(func() error {
		m.monitorHealth(gCtx)
		return nil
	})

	m.logger.Info("Autoscaler started",
		zap.String("source", m.config.Source.Type),
		zap.String("scaler", m.config.Scaler.Type),
		zap.String("version", m.version))

	err := g.Wait()

	m.logger.Info("Stopping remaining services")
	m.cleanup()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Autoscaler stopped with error", zap.Error(err))
		return err
	}

	m.logger.Info("Autoscaler stopped gracefully")
	return nil
}

// cleanup releases storage, tracing and connections
func (m *Manager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), componentStopTimeout)
	defer cancel()

	if m.telemetryService != nil {
		if err := m.telemetryService.Stop(ctx); err != nil {
			m.logger.Error("Failed to stop telemetry", zap.Error(err))
		}
	}
	if m.database != nil {
		if err := m.database.Stop(ctx); err != nil {
			m.logger.Error("Failed to close event storage", zap.Error(err))
		}
		m.database = nil
	}
	if err := m.builder.Close(); err != nil {
		m.logger.Error("Failed to release connections", zap.Error(err))
	}
}

// onElection applies an election outcome to the scaler gate
func (m *Manager) onElection(leader bool) {
	m.gate.SetElected(leader)
	m.noteMode(ReasonElection)
}

// TogglePause flips the operator standby override and returns the new mode
func (m *Manager) TogglePause() string {
	m.gate.TogglePause()
	return m.noteMode(ReasonManual)
}

// noteMode records a leadership event when the effective mode changed
func (m *Manager) noteMode(reason string) string {
	mode := m.gate.Mode()

	m.mu.Lock()
	changed := mode != m.lastMode
	m.lastMode = mode
	m.mu.Unlock()

	if changed {
		m.logger.Info("Autoscaler mode changed", zap.String("mode", mode), zap.String("reason", reason))
		m.recorder.ModeChanged(mode, reason)
	}
	return mode
}

// Mode returns "active" or "standby"
func (m *Manager) Mode() string {
	return m.gate.Mode()
}

// monitorHealth publishes the composite health on every tick and records
// state transitions
func (m *Manager) monitorHealth(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.Autoscaler.HealthCheckInterval)
	defer ticker.Stop()

	m.checkHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	result := m.Health(ctx)
	m.exporter.SetHealth(result)

	m.mu.Lock()
	previous := m.lastHealth
	m.lastHealth = &result
	m.mu.Unlock()

	if previous != nil && previous.State != result.State {
		m.logger.Warn("Health state changed",
			zap.String("previous", string(previous.State)),
			zap.String("current", string(result.State)),
			zap.String("message", result.Message))
		m.recorder.HealthChanged(*previous, result)
	}
}

// Health returns the composite health of the scheduler, its collaborators
// and the event store
func (m *Manager) Health(ctx context.Context) types.HealthResult {
	if !m.IsRunning() {
		return types.Unhealthy("autoscaler is not running")
	}

	result := m.scheduler.Health(ctx)
	if !result.IsHealthy() {
		return result
	}

	if m.database != nil {
		if db := m.database.HealthCheck(ctx); !db.IsHealthy() {
			return db
		}
	}

	return result
}

// Scheduler exposes the scheduler for status queries
func (m *Manager) Scheduler() *autoscaler.Scheduler {
	return m.scheduler
}

// Exporter exposes the metrics exporter
func (m *Manager) Exporter() *prometheus.Exporter {
	return m.exporter
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Uptime returns how long the manager has been running
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return 0
	}
	return m.clock.Since(m.startTime)
}

func (m *Manager) performPreflightChecks() error {
	if !m.serveHTTP {
		return nil
	}
	return checkBindAddressAvailable(m.config.Server.BindAddress)
}

// checkBindAddressAvailable verifies the HTTP server can listen before the
// scheduler starts acting on targets
func checkBindAddressAvailable(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("bind address %s is not available: %w", bindAddress, err)
	}
	return listener.Close()
}
