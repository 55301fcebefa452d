package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/cboxdk/queue-autoscaler/internal/autoscaler"

// Scheduler discovers scaling targets and runs one polling job per target
type Scheduler struct {
	cfg       Config
	source    types.ServiceSource
	scaler    types.ServiceScaler
	factories map[string]types.WorkloadAnalyserFactory
	governor  *Governor
	validator *Validator
	observer  Observer
	resources types.ResourceMonitor
	notifier  PressureNotifier
	clock     clock.Clock
	sem       *semaphore.Weighted
	tracer    trace.Tracer
	logger    *zap.Logger

	mu              sync.Mutex
	jobs            map[string]*targetJob
	running         bool
	stopped         bool
	refreshFailures int
	lastRefresh     *RefreshReport

	// ctx stops scheduling; workCtx is only cancelled once in-flight
	// cycles had their chance to finish.
	ctx        context.Context
	cancel     context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option customises a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithObserver registers an observer for scheduler activity
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithGovernor shares an existing governor with the scheduler
func WithGovernor(g *Governor) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.governor = g
		}
	}
}

// WithResourceMonitor reads platform utilisation at the start of every cycle
// when resource limits are enabled or a pressure notifier is set
func WithResourceMonitor(m types.ResourceMonitor) Option {
	return func(s *Scheduler) { s.resources = m }
}

// WithPressureNotifier passes every utilisation reading to n
func WithPressureNotifier(n PressureNotifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// NewScheduler creates a scheduler for the given collaborators.
// Each factory must serve a distinct workload metric.
func NewScheduler(cfg Config, source types.ServiceSource, scaler types.ServiceScaler, factories []types.WorkloadAnalyserFactory, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if source == nil {
		return nil, fmt.Errorf("service source cannot be nil")
	}
	if scaler == nil {
		return nil, fmt.Errorf("service scaler cannot be nil")
	}
	if len(factories) == 0 {
		return nil, fmt.Errorf("at least one workload analyser factory is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	byMetric := make(map[string]types.WorkloadAnalyserFactory, len(factories))
	metrics := make([]string, 0, len(factories))
	for _, f := range factories {
		metric := f.Metric()
		if _, dup := byMetric[metric]; dup {
			return nil, fmt.Errorf("%w: duplicate analyser factory for metric %q", ErrInvalidConfiguration, metric)
		}
		byMetric[metric] = f
		metrics = append(metrics, metric)
	}

	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:        cfg,
		source:     source,
		scaler:     scaler,
		factories:  byMetric,
		governor:   NewGovernor(logger.Named("governor")),
		validator:  NewValidator(metrics, logger.Named("validator")),
		observer:   NopObserver{},
		clock:      clock.NewClock(),
		sem:        semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		jobs:       make(map[string]*targetJob),
		ctx:        ctx,
		cancel:     cancel,
		workCtx:    workCtx,
		workCancel: workCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.governor.SetResourceLimits(cfg.ResourceLimits)

	return s, nil
}

// Start runs the refresh loop in the background. The first refresh happens
// immediately; cancelling ctx stops scheduling new work.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopped {
		return fmt.Errorf("scheduler has been stopped")
	}
	s.running = true

	s.logger.Info("Starting autoscaler scheduler",
		zap.Duration("refresh_interval", s.cfg.RefreshInterval),
		zap.Int("worker_pool_size", s.cfg.WorkerPoolSize),
		zap.Strings("metrics", s.validator.SupportedMetrics()))

	s.wg.Add(1)
	go s.runRefreshLoop(ctx)

	return nil
}

// Stop halts scheduling and waits for in-flight cycles
func (s *Scheduler) Stop() error {
	return s.StopWithTimeout(s.cfg.ShutdownTimeout)
}

// StopWithTimeout halts scheduling and waits up to timeout for in-flight
// cycles before cancelling them.
func (s *Scheduler) StopWithTimeout(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.logger.Info("Stopping autoscaler scheduler", zap.Duration("timeout", timeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All target jobs stopped")
	case <-shutdownCtx.Done():
		s.logger.Warn("Timeout waiting for in-flight scaling cycles")
	}

	s.workCancel()
	return nil
}

func (s *Scheduler) runRefreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.refreshAndLog()
	for {
		select {
		case <-ctx.Done():
			s.cancel()
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			s.refreshAndLog()
		}
	}
}

func (s *Scheduler) refreshAndLog() {
	if err := s.Refresh(s.workCtx); err != nil {
		s.logger.Error("Failed to refresh scaling targets", zap.Error(err))
	}
}

// Refresh fetches the current services, admits the valid ones and reconciles
// the scheduled jobs with them. A source failure leaves existing jobs running.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	ctx, span := s.tracer.Start(ctx, "autoscaler.refresh")
	defer span.End()

	start := s.clock.Now()
	report := RefreshReport{Timestamp: start}

	candidates, err := s.source.GetServices(ctx)
	if err != nil {
		cycleErr := NewCycleError("", StageSource, err)
		span.RecordError(cycleErr)
		span.SetStatus(codes.Error, cycleErr.Error())

		report.Err = cycleErr
		report.Duration = s.clock.Since(start)
		s.finishRefresh(report)
		return cycleErr
	}

	report.Discovered = len(candidates)
	admitted := s.validator.Validate(candidates)
	report.Admitted = len(admitted)

	s.reconcile(admitted, &report)
	report.Duration = s.clock.Since(start)

	span.SetAttributes(
		attribute.Int("targets.discovered", report.Discovered),
		attribute.Int("targets.admitted", report.Admitted),
		attribute.Int("targets.added", report.Added),
		attribute.Int("targets.removed", report.Removed),
	)
	span.SetStatus(codes.Ok, "")

	s.logger.Info("Scaling targets refreshed",
		zap.Int("discovered", report.Discovered),
		zap.Int("admitted", report.Admitted),
		zap.Int("added", report.Added),
		zap.Int("updated", report.Updated),
		zap.Int("removed", report.Removed),
		zap.Int("restarted", report.Restarted),
		zap.Duration("duration", report.Duration))

	s.finishRefresh(report)
	return nil
}

func (s *Scheduler) finishRefresh(report RefreshReport) {
	s.mu.Lock()
	if report.Err != nil {
		s.refreshFailures++
	} else {
		s.refreshFailures = 0
	}
	s.lastRefresh = &report
	s.mu.Unlock()

	s.observer.RefreshCompleted(report)
}

func (s *Scheduler) reconcile(admitted []types.ScalingTarget, report *RefreshReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	desired := make(map[string]types.ScalingTarget, len(admitted))
	order := make([]string, 0, len(admitted))
	for _, t := range admitted {
		if _, dup := desired[t.ID]; dup {
			s.logger.Warn("Ignoring duplicate scaling target", zap.String("target", t.ID))
			continue
		}
		desired[t.ID] = t
		order = append(order, t.ID)
	}

	for id, job := range s.jobs {
		if _, ok := desired[id]; !ok {
			s.removeJobLocked(job)
			report.Removed++
		}
	}

	staggered := 0
	for _, id := range order {
		target := desired[id]
		delay := s.cfg.InitialDelay + time.Duration(staggered)*s.cfg.StaggerDelay

		job, exists := s.jobs[id]
		if !exists {
			if s.startJobLocked(target, delay, nil) {
				report.Added++
				staggered++
			}
			continue
		}

		switch {
		case job.isDead():
			s.logger.Warn("Restarting stopped target job", zap.String("target", id))
			job.stop()
			delete(s.jobs, id)
			if s.startJobLocked(target, delay, job) {
				report.Restarted++
				staggered++
			} else {
				s.governor.Remove(id)
			}

		case job.current() == target:
			// unchanged

		case job.bindingChanged(target):
			job.stop()
			delete(s.jobs, id)
			if s.startJobLocked(target, delay, job) {
				report.Updated++
				staggered++
			} else {
				s.governor.Remove(id)
				s.observer.TargetRemoved(id)
			}

		default:
			s.governor.Register(target)
			job.update(target)
			report.Updated++
			s.logger.Info("Scaling target updated",
				zap.String("target", id),
				zap.Int("min_instances", target.MinInstances),
				zap.Int("max_instances", target.MaxInstances),
				zap.Int("interval", target.Interval),
				zap.Int("backoff_amount", target.BackoffAmount))
		}
	}
}

// startJobLocked schedules a job for target. A replaced job is passed as prev;
// the new job does not tick before prev's last tick has returned.
func (s *Scheduler) startJobLocked(target types.ScalingTarget, delay time.Duration, prev *targetJob) bool {
	factory, ok := s.factories[target.WorkloadMetric]
	if !ok {
		s.reportSetupFailure(NewCycleError(target.ID, StageAnalyserFactory,
			fmt.Errorf("%w: %s", ErrNoAnalyserFactory, target.WorkloadMetric)))
		return false
	}

	analyser, err := factory.NewAnalyser(target.ScalingTargetRef, target.ScalingProfile)
	if err != nil {
		s.reportSetupFailure(NewCycleError(target.ID, StageAnalyserFactory, err))
		return false
	}

	s.governor.Register(target)
	job := newTargetJob(s.ctx, target, analyser)
	s.jobs[target.ID] = job

	s.wg.Add(1)
	go s.runJob(job, delay, prev)

	s.logger.Info("Scaling target scheduled",
		zap.String("target", target.ID),
		zap.String("metric", target.WorkloadMetric),
		zap.String("scaling_target", target.ScalingTargetRef),
		zap.Int("interval", target.Interval),
		zap.Duration("initial_delay", delay))
	s.observer.TargetScheduled(target)

	return true
}

func (s *Scheduler) removeJobLocked(job *targetJob) {
	job.stop()
	delete(s.jobs, job.id)
	s.governor.Remove(job.id)

	s.logger.Info("Scaling target removed", zap.String("target", job.id))
	s.observer.TargetRemoved(job.id)
}

func (s *Scheduler) reportSetupFailure(err *CycleError) {
	s.logger.Error("Failed to schedule scaling target",
		zap.String("target", err.Target),
		zap.Error(err.Cause))
	s.observer.CycleFailed(err)
}

func (s *Scheduler) runJob(job *targetJob, delay time.Duration, prev *targetJob) {
	defer s.wg.Done()
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			job.markDead(fmt.Sprintf("panic: %v", r))
			s.logger.Error("Target job panicked",
				zap.String("target", job.id),
				zap.Any("error", r),
				zap.Stack("stack"))
		}
	}()

	if prev != nil {
		select {
		case <-job.ctx.Done():
			return
		case <-prev.stopped():
		}
	}

	timer := s.clock.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-job.ctx.Done():
			return
		case <-timer.C():
			s.tick(job)
			timer.Reset(job.interval())
		}
	}
}

// tick runs one scaling cycle of job and notifies the observer
func (s *Scheduler) tick(job *targetJob) (CycleReport, error) {
	if job.consumeBackoff() {
		report := CycleReport{Target: job.id, Timestamp: s.clock.Now(), Skipped: SkipBackoff}
		job.recordCycle(report, nil)
		s.observer.CycleCompleted(report)
		return report, nil
	}

	if err := s.sem.Acquire(s.workCtx, 1); err != nil {
		return CycleReport{Target: job.id}, err
	}
	defer s.sem.Release(1)

	report, err := s.cycle(s.workCtx, job)
	report.Duration = s.clock.Since(report.Timestamp)
	job.recordCycle(report, err)

	if err != nil {
		var cycleErr *CycleError
		if !errors.As(err, &cycleErr) {
			cycleErr = NewCycleError(job.id, "unknown", err)
		}
		level := s.logger.Warn
		if IsCriticalError(err) {
			level = s.logger.Error
		}
		level("Scaling cycle failed",
			zap.String("target", job.id),
			zap.String("stage", cycleErr.Stage),
			zap.Error(cycleErr.Cause))
		s.observer.CycleFailed(cycleErr)
		return report, err
	}

	s.observer.CycleCompleted(report)
	return report, nil
}

func (s *Scheduler) cycle(ctx context.Context, job *targetJob) (CycleReport, error) {
	target, analyser, firstRun := job.state()
	report := CycleReport{Target: target.ID, Timestamp: s.clock.Now()}

	ctx, span := s.tracer.Start(ctx, "autoscaler.cycle",
		trace.WithAttributes(
			attribute.String("target.id", target.ID),
			attribute.String("target.metric", target.WorkloadMetric),
		))
	defer span.End()

	fail := func(stage string, err error) (CycleReport, error) {
		cycleErr := NewCycleError(target.ID, stage, err)
		span.RecordError(cycleErr)
		span.SetStatus(codes.Error, cycleErr.Error())
		return report, cycleErr
	}

	report.Stage = s.resourceStage(ctx, span)

	snapshot, err := s.scaler.GetInstanceInfo(ctx, target.ID)
	if err != nil {
		return fail(StageInstances, err)
	}
	report.Snapshot = snapshot

	// The target was removed while instance info was in flight.
	if job.removed() {
		return report, nil
	}
	s.governor.RecordInstances(target.ID, snapshot)

	if firstRun {
		job.markStarted()
	}

	if s.cfg.ResourceLimits.ShutsDown(report.Stage, snapshot.ShutdownPriority) {
		s.logger.Warn("Shutting down target under resource pressure",
			zap.String("target", target.ID),
			zap.Stringer("stage", report.Stage),
			zap.Int("shutdown_priority", snapshot.ShutdownPriority),
			zap.Int("instances", snapshot.Total()))
		report.Skipped = SkipResourceLimit
		report.Governed = types.ScaleDown(snapshot.Total())
		return s.execute(ctx, job, target, snapshot, report.Governed, report, fail)
	}

	if firstRun && s.cfg.EnforceBoundsOnFirstRun {
		report.Skipped = SkipFirstRun
		report.Proposed = BoundsCorrection(target, snapshot)
	} else {
		proposed, err := analyser.Analyse(ctx, snapshot)
		if err != nil {
			return fail(StageAnalyse, err)
		}
		report.Proposed = proposed
	}

	governed, err := s.governor.GovernAt(target.ID, report.Proposed, report.Stage)
	if err != nil {
		return fail(StageGovern, err)
	}
	report.Governed = governed

	span.SetAttributes(
		attribute.Int("instances.running", snapshot.Running),
		attribute.Int("instances.staging", snapshot.Staging),
		attribute.String("action.proposed", report.Proposed.String()),
		attribute.String("action.governed", governed.String()),
	)

	action, skip := ClampAction(target, snapshot, governed)
	if action.IsNone() && report.Skipped == "" {
		report.Skipped = skip
	}
	return s.execute(ctx, job, target, snapshot, action, report, fail)
}

// resourceStage reads the platform utilisation when resource limits are
// enabled. A failed reading is logged and treated as no pressure.
func (s *Scheduler) resourceStage(ctx context.Context, span trace.Span) ResourceStage {
	if s.resources == nil || (!s.cfg.ResourceLimits.Enabled && s.notifier == nil) {
		return ResourceStageNone
	}

	u, err := s.resources.GetResourceUtilisation(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("Failed to read resource utilisation", zap.Error(err))
		return ResourceStageNone
	}
	if s.notifier != nil {
		s.notifier.NotifyUtilisation(ctx, u)
	}

	stage := s.cfg.ResourceLimits.StageOf(u)
	span.SetAttributes(
		attribute.Float64("resources.memory_used_percent", u.MemoryUsedPercent),
		attribute.Int64("resources.disk_free_mb", u.DiskFreeMB),
		attribute.String("resources.stage", stage.String()),
	)
	return stage
}

// execute applies action, which has already been clamped, and arms the
// backoff. A suspended scaler skips the action without backing off.
func (s *Scheduler) execute(ctx context.Context, job *targetJob, target types.ScalingTarget, snapshot types.InstanceSnapshot, action types.ScalingAction, report CycleReport, fail func(string, error) (CycleReport, error)) (CycleReport, error) {
	report.Executed = types.NoAction()
	if action.IsNone() {
		return report, nil
	}

	var err error
	stage := StageScaleUp
	switch action.Operation {
	case types.OperationScaleUp:
		err = s.scaler.ScaleUp(ctx, target.ID, action.Amount)
	case types.OperationScaleDown:
		stage = StageScaleDown
		err = s.scaler.ScaleDown(ctx, target.ID, action.Amount)
	}
	if errors.Is(err, types.ErrScalingSuspended) {
		report.Skipped = SkipStandby
		s.logger.Debug("Scaling action skipped",
			zap.String("target", target.ID),
			zap.Stringer("action", action),
			zap.Error(err))
		return report, nil
	}
	if err != nil {
		return fail(stage, err)
	}

	backoff := target.BackoffAfter(action.Operation)
	report.Executed = action
	job.setBackoff(backoff)

	s.logger.Info("Scaling action executed",
		zap.String("target", target.ID),
		zap.Stringer("action", action),
		zap.Int("running", snapshot.Running),
		zap.Int("staging", snapshot.Staging),
		zap.Int("min_instances", target.MinInstances),
		zap.Int("max_instances", target.MaxInstances),
		zap.Int("backoff", backoff))

	return report, nil
}

// ClampAction limits action so that executing it keeps the target within
// [MinInstances, MaxInstances]. Scale-ups are withheld while instances are
// staging. The returned reason explains a withheld action.
func ClampAction(target types.ScalingTarget, snapshot types.InstanceSnapshot, action types.ScalingAction) (types.ScalingAction, string) {
	if action.IsNone() {
		return types.NoAction(), ""
	}

	total := snapshot.Total()
	switch action.Operation {
	case types.OperationScaleUp:
		if snapshot.Staging > 0 {
			return types.NoAction(), SkipStaging
		}
		amount := min(action.Amount, target.MaxInstances-total)
		if amount <= 0 {
			return types.NoAction(), SkipAtBounds
		}
		return types.ScaleUp(amount), ""

	case types.OperationScaleDown:
		amount := min(action.Amount, total-target.MinInstances)
		if amount <= 0 {
			return types.NoAction(), SkipAtBounds
		}
		return types.ScaleDown(amount), ""
	}

	return types.NoAction(), ""
}

// BoundsCorrection returns the action that brings a target back within its
// configured bounds, or NONE when it already is.
func BoundsCorrection(target types.ScalingTarget, snapshot types.InstanceSnapshot) types.ScalingAction {
	total := snapshot.Total()
	switch {
	case total < target.MinInstances:
		return types.ScaleUp(target.MinInstances - total)
	case total > target.MaxInstances:
		return types.ScaleDown(total - target.MaxInstances)
	}
	return types.NoAction()
}

// Targets returns the status of every scheduled target sorted by id
func (s *Scheduler) Targets() []TargetStatus {
	s.mu.Lock()
	jobs := make([]*targetJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	statuses := make([]TargetStatus, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, s.statusOf(j))
	}
	sort.Slice(statuses, func(i, k int) bool {
		return statuses[i].Target.ID < statuses[k].Target.ID
	})
	return statuses
}

// Target returns the status of one scheduled target
func (s *Scheduler) Target(id string) (TargetStatus, bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return TargetStatus{}, false
	}
	return s.statusOf(job), true
}

func (s *Scheduler) statusOf(job *targetJob) TargetStatus {
	st := job.status()
	if snapshot, ok := s.governor.Snapshot(job.id); ok {
		st.Snapshot = &snapshot
	}
	return st
}

// LastRefresh returns the report of the most recent refresh, if any
func (s *Scheduler) LastRefresh() (RefreshReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRefresh == nil {
		return RefreshReport{}, false
	}
	return *s.lastRefresh, true
}

// Governor returns the governor owned by the scheduler
func (s *Scheduler) Governor() *Governor {
	return s.governor
}

// IsRunning reports whether the refresh loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Health combines the collaborators' health with the scheduler's own:
// jobs that stopped unexpectedly and repeated refresh failures are unhealthy.
func (s *Scheduler) Health(ctx context.Context) types.HealthResult {
	metrics := s.validator.SupportedMetrics()
	factories := make([]types.WorkloadAnalyserFactory, 0, len(metrics))
	for _, m := range metrics {
		factories = append(factories, s.factories[m])
	}

	result := CheckHealth(ctx, s.source, []types.ServiceScaler{s.scaler}, factories)
	if !result.IsHealthy() {
		return result
	}

	s.mu.Lock()
	var dead []string
	for id, job := range s.jobs {
		if job.isDead() {
			dead = append(dead, id)
		}
	}
	failures := s.refreshFailures
	var lastErr error
	if s.lastRefresh != nil {
		lastErr = s.lastRefresh.Err
	}
	scheduled := len(s.jobs)
	s.mu.Unlock()

	if len(dead) > 0 {
		sort.Strings(dead)
		return types.Unhealthy(fmt.Sprintf("target jobs stopped unexpectedly: %s", strings.Join(dead, ", ")))
	}
	if failures >= s.cfg.RefreshFailureThreshold {
		return types.Unhealthy(fmt.Sprintf("service refresh failed %d consecutive times: %v", failures, lastErr))
	}

	return types.Healthy(fmt.Sprintf("%d targets scheduled", scheduled))
}
