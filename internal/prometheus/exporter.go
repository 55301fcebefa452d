// Package prometheus exposes autoscaler metrics and the HTTP status API.
package prometheus

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter records scheduler notifications as Prometheus metrics
type Exporter struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	mu      sync.Mutex
	targets map[string]struct{}

	managedTargets  prometheus.Gauge
	targetInstances *prometheus.GaugeVec
	decisions       *prometheus.CounterVec
	actions         *prometheus.CounterVec
	actionInstances *prometheus.CounterVec
	skippedCycles   *prometheus.CounterVec
	resourceStage   prometheus.Gauge
	cycleErrors     *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	sourceRefreshes *prometheus.CounterVec
	rejectedTargets prometheus.Gauge
	health          prometheus.Gauge
}

var _ autoscaler.Observer = (*Exporter)(nil)

// NewExporter creates an exporter with its own registry
func NewExporter(logger *zap.Logger) (*Exporter, error) {
	e := &Exporter{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		targets:  make(map[string]struct{}),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return e, nil
}

func (e *Exporter) initMetrics() error {
	e.managedTargets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autoscaler_managed_targets",
		Help: "Number of targets with a running polling job",
	})

	e.targetInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoscaler_target_instances",
			Help: "Instances of a target as seen by the last cycle",
		},
		[]string{"target", "state"},
	)

	e.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_decisions_total",
			Help: "Scaling decisions per pipeline stage",
		},
		[]string{"target", "stage", "operation"},
	)

	e.actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_actions_total",
			Help: "Scaling actions executed against the scaler",
		},
		[]string{"target", "operation"},
	)

	e.actionInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_action_instances_total",
			Help: "Instances added or removed by executed actions",
		},
		[]string{"target", "operation"},
	)

	e.skippedCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_skipped_cycles_total",
			Help: "Cycles that executed nothing, by reason",
		},
		[]string{"target", "reason"},
	)

	e.resourceStage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autoscaler_resource_stage",
		Help: "Resource limit stage reached by the messaging platform, 0 when below every limit",
	})

	e.cycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_cycle_errors_total",
			Help: "Failed cycles per stage",
		},
		[]string{"target", "stage"},
	)

	e.cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoscaler_cycle_duration_seconds",
			Help:    "Duration of completed scaling cycles",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"target"},
	)

	e.sourceRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_source_refreshes_total",
			Help: "Service source refreshes by result",
		},
		[]string{"result"},
	)

	e.rejectedTargets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autoscaler_rejected_targets",
		Help: "Targets rejected by validation in the last successful refresh",
	})

	e.health = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autoscaler_health",
		Help: "Overall health, 1 when healthy and 0 otherwise",
	})

	collectors := []prometheus.Collector{
		e.managedTargets,
		e.targetInstances,
		e.decisions,
		e.actions,
		e.actionInstances,
		e.skippedCycles,
		e.resourceStage,
		e.cycleErrors,
		e.cycleDuration,
		e.sourceRefreshes,
		e.rejectedTargets,
		e.health,
	}

	for _, collector := range collectors {
		if err := e.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	e.logger.Debug("Initialized Prometheus metrics", zap.Int("collectors", len(collectors)))
	return nil
}

// Registry returns the registry holding the autoscaler metrics
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (e *Exporter) TargetScheduled(target types.ScalingTarget) {
	e.mu.Lock()
	e.targets[target.ID] = struct{}{}
	e.managedTargets.Set(float64(len(e.targets)))
	e.mu.Unlock()
}

// TargetRemoved drops every series labelled with the target
func (e *Exporter) TargetRemoved(id string) {
	e.mu.Lock()
	delete(e.targets, id)
	e.managedTargets.Set(float64(len(e.targets)))
	e.mu.Unlock()

	labels := prometheus.Labels{"target": id}
	e.targetInstances.DeletePartialMatch(labels)
	e.decisions.DeletePartialMatch(labels)
	e.actions.DeletePartialMatch(labels)
	e.actionInstances.DeletePartialMatch(labels)
	e.skippedCycles.DeletePartialMatch(labels)
	e.cycleErrors.DeletePartialMatch(labels)
	e.cycleDuration.DeletePartialMatch(labels)
}

func (e *Exporter) CycleCompleted(report autoscaler.CycleReport) {
	e.targetInstances.WithLabelValues(report.Target, "running").Set(float64(report.Snapshot.Running))
	e.targetInstances.WithLabelValues(report.Target, "staging").Set(float64(report.Snapshot.Staging))

	e.decisions.WithLabelValues(report.Target, "proposed", operation(report.Proposed)).Inc()
	e.decisions.WithLabelValues(report.Target, "governed", operation(report.Governed)).Inc()
	e.decisions.WithLabelValues(report.Target, "executed", operation(report.Executed)).Inc()

	if !report.Executed.IsNone() {
		op := operation(report.Executed)
		e.actions.WithLabelValues(report.Target, op).Inc()
		e.actionInstances.WithLabelValues(report.Target, op).Add(float64(report.Executed.Amount))
	}
	if report.Skipped != "" {
		e.skippedCycles.WithLabelValues(report.Target, report.Skipped).Inc()
	}
	if report.Skipped != autoscaler.SkipBackoff {
		e.resourceStage.Set(float64(report.Stage))
	}

	e.cycleDuration.WithLabelValues(report.Target).Observe(report.Duration.Seconds())
}

func (e *Exporter) CycleFailed(err *autoscaler.CycleError) {
	e.cycleErrors.WithLabelValues(err.Target, err.Stage).Inc()
}

func (e *Exporter) RefreshCompleted(report autoscaler.RefreshReport) {
	if report.Err != nil {
		e.sourceRefreshes.WithLabelValues("failure").Inc()
		return
	}
	e.sourceRefreshes.WithLabelValues("success").Inc()
	e.rejectedTargets.Set(float64(report.Discovered - report.Admitted))
}

// SetHealth publishes the overall health state
func (e *Exporter) SetHealth(result types.HealthResult) {
	if result.IsHealthy() {
		e.health.Set(1)
		return
	}
	e.health.Set(0)
}

func operation(action types.ScalingAction) string {
	if action.IsNone() {
		return string(types.OperationNone)
	}
	return string(action.Operation)
}
