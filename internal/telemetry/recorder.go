package telemetry

import (
	"context"
	"sync"

	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

const defaultRecorderBuffer = 256

// Recorder turns scheduler notifications into stored events. Notifications
// are queued and written by Run so the scheduler never waits on storage;
// when the queue is full the event is dropped and logged.
type Recorder struct {
	emitter *EventEmitter
	logger  *zap.Logger
	queue   chan func(ctx context.Context) error

	mu      sync.Mutex
	dropped int64
}

var _ autoscaler.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with a queue of size buffer
func NewRecorder(emitter *EventEmitter, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		emitter: emitter,
		logger:  logger,
		queue:   make(chan func(ctx context.Context) error, buffer),
	}
}

// Run writes queued events until ctx is done, then drains what is left
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case write := <-r.queue:
			r.write(ctx, write)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case write := <-r.queue:
			r.write(context.Background(), write)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, write func(ctx context.Context) error) {
	if err := write(ctx); err != nil {
		r.logger.Debug("Event not recorded", zap.Error(err))
	}
}

// Dropped returns how many events were discarded on a full queue
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(write func(ctx context.Context) error) {
	select {
	case r.queue <- write:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("Event queue full, dropping event")
	}
}

func (r *Recorder) TargetScheduled(target types.ScalingTarget) {
	r.enqueue(func(ctx context.Context) error {
		return r.emitter.EmitTargetLifecycleEvent(ctx, target.ID, TargetLifecycleEventDetails{
			Action: "scheduled",
			Metric: target.WorkloadMetric,
			Ref:    target.ScalingTargetRef,
		})
	})
}

func (r *Recorder) TargetRemoved(id string) {
	r.enqueue(func(ctx context.Context) error {
		return r.emitter.EmitTargetLifecycleEvent(ctx, id, TargetLifecycleEventDetails{Action: "removed"})
	})
}

// CycleCompleted records executed actions only
func (r *Recorder) CycleCompleted(report autoscaler.CycleReport) {
	if report.Executed.IsNone() {
		return
	}
	reason := "analysis"
	switch {
	case report.Skipped == autoscaler.SkipFirstRun:
		reason = "first_run"
	case report.Skipped == autoscaler.SkipResourceLimit:
		reason = "resource_limit"
	case report.Proposed != report.Governed:
		reason = "governor"
	}

	r.enqueue(func(ctx context.Context) error {
		return r.emitter.EmitScalingEvent(ctx, report.Target, ScalingEventDetails{
			Operation: string(report.Executed.Operation),
			Amount:    report.Executed.Amount,
			Running:   report.Snapshot.Running,
			Staging:   report.Snapshot.Staging,
			Proposed:  report.Proposed.String(),
			Reason:    reason,
		})
	})
}

// CycleFailed records failed scale calls; other stages fail every tick
// while a backend is down and are left to logs and metrics.
func (r *Recorder) CycleFailed(err *autoscaler.CycleError) {
	if err.Stage != autoscaler.StageScaleUp && err.Stage != autoscaler.StageScaleDown {
		return
	}
	r.enqueue(func(ctx context.Context) error {
		return r.emitter.EmitTargetLifecycleEvent(ctx, err.Target, TargetLifecycleEventDetails{
			Action: "action_failed",
			Stage:  err.Stage,
			Error:  err.Cause.Error(),
		})
	})
}

func (r *Recorder) RefreshCompleted(autoscaler.RefreshReport) {}

// HealthChanged records a transition of the overall health state
func (r *Recorder) HealthChanged(previous, current types.HealthResult) {
	r.enqueue(func(ctx context.Context) error {
		return r.emitter.EmitHealthChangeEvent(ctx, HealthChangeEventDetails{
			PreviousState: string(previous.State),
			NewState:      string(current.State),
			Message:       current.Message,
		})
	})
}

// ModeChanged records a switch between active and standby
func (r *Recorder) ModeChanged(mode, reason string) {
	r.enqueue(func(ctx context.Context) error {
		return r.emitter.EmitLeadershipEvent(ctx, LeadershipEventDetails{Mode: mode, Reason: reason})
	})
}
