package autoscaler

import (
	"context"
	"errors"
	"sync"

	"github.com/cboxdk/queue-autoscaler/internal/types"
)

var errBoom = errors.New("boom")

type fakeReporter struct {
	mu      sync.Mutex
	samples []types.StatsSample
	errs    []error
	calls   int
}

func (r *fakeReporter) GetStats(ctx context.Context, ref string) (types.StatsSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return types.StatsSample{}, r.errs[i]
	}
	if len(r.samples) == 0 {
		return types.StatsSample{}, nil
	}
	if i >= len(r.samples) {
		return r.samples[len(r.samples)-1], nil
	}
	return r.samples[i], nil
}

type fakeSource struct {
	mu      sync.Mutex
	targets []types.ScalingTarget
	err     error
	health  types.HealthResult
	calls   int
}

func (s *fakeSource) GetServices(ctx context.Context) ([]types.ScalingTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.ScalingTarget, len(s.targets))
	copy(out, s.targets)
	return out, nil
}

func (s *fakeSource) HealthCheck(ctx context.Context) types.HealthResult {
	if s.health.State == "" {
		return types.Healthy("")
	}
	return s.health
}

func (s *fakeSource) set(targets ...types.ScalingTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
	s.err = nil
}

type scaleCall struct {
	id     string
	op     types.ScalingOperation
	amount int
}

type fakeScaler struct {
	mu        sync.Mutex
	snapshots map[string]types.InstanceSnapshot
	infoErr   error
	scaleErr  error
	calls     []scaleCall
	health    types.HealthResult
	scaled    chan scaleCall
}

func newFakeScaler() *fakeScaler {
	return &fakeScaler{snapshots: make(map[string]types.InstanceSnapshot)}
}

func (f *fakeScaler) ScaleUp(ctx context.Context, id string, amount int) error {
	return f.record(id, types.OperationScaleUp, amount)
}

func (f *fakeScaler) ScaleDown(ctx context.Context, id string, amount int) error {
	return f.record(id, types.OperationScaleDown, amount)
}

func (f *fakeScaler) record(id string, op types.ScalingOperation, amount int) error {
	f.mu.Lock()
	if f.scaleErr != nil {
		f.mu.Unlock()
		return f.scaleErr
	}
	call := scaleCall{id: id, op: op, amount: amount}
	f.calls = append(f.calls, call)
	ch := f.scaled
	f.mu.Unlock()

	if ch != nil {
		ch <- call
	}
	return nil
}

func (f *fakeScaler) GetInstanceInfo(ctx context.Context, id string) (types.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return types.InstanceSnapshot{}, f.infoErr
	}
	return f.snapshots[id], nil
}

func (f *fakeScaler) HealthCheck(ctx context.Context) types.HealthResult {
	if f.health.State == "" {
		return types.Healthy("")
	}
	return f.health
}

func (f *fakeScaler) setSnapshot(id string, s types.InstanceSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[id] = s
}

func (f *fakeScaler) scaleCalls() []scaleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scaleCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// scriptedAnalyser returns the queued actions in order, then NONE
type scriptedAnalyser struct {
	mu      sync.Mutex
	actions []types.ScalingAction
	err     error
	panics  bool
	calls   int

	// entered and release hold Analyse until the test lets it go
	entered chan struct{}
	release chan struct{}
}

func (a *scriptedAnalyser) Analyse(ctx context.Context, latest types.InstanceSnapshot) (types.ScalingAction, error) {
	if a.entered != nil {
		a.entered <- struct{}{}
		<-a.release
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.panics {
		panic("analyser exploded")
	}
	if a.err != nil {
		return types.NoAction(), a.err
	}
	if len(a.actions) == 0 {
		return types.NoAction(), nil
	}
	next := a.actions[0]
	a.actions = a.actions[1:]
	return next, nil
}

type fakeFactory struct {
	mu        sync.Mutex
	metric    string
	analysers map[string]*scriptedAnalyser
	created   []string
	err       error
	health    types.HealthResult
}

func newFakeFactory(metric string) *fakeFactory {
	return &fakeFactory{metric: metric, analysers: make(map[string]*scriptedAnalyser)}
}

func (f *fakeFactory) Metric() string { return f.metric }

func (f *fakeFactory) NewAnalyser(ref, profile string) (types.WorkloadAnalyser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, ref)
	a, ok := f.analysers[ref]
	if !ok {
		a = &scriptedAnalyser{}
		f.analysers[ref] = a
	}
	return a, nil
}

func (f *fakeFactory) HealthCheck(ctx context.Context) types.HealthResult {
	if f.health.State == "" {
		return types.Healthy("")
	}
	return f.health
}

func (f *fakeFactory) analyser(ref string) *scriptedAnalyser {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.analysers[ref]
	if !ok {
		a = &scriptedAnalyser{}
		f.analysers[ref] = a
	}
	return a
}

func (a *scriptedAnalyser) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type recordingObserver struct {
	mu        sync.Mutex
	scheduled []string
	removed   []string
	completed []CycleReport
	failed    []*CycleError
	refreshes []RefreshReport
}

func (o *recordingObserver) TargetScheduled(t types.ScalingTarget) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled = append(o.scheduled, t.ID)
}

func (o *recordingObserver) TargetRemoved(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

func (o *recordingObserver) CycleCompleted(r CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, r)
}

func (o *recordingObserver) CycleFailed(err *CycleError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) RefreshCompleted(r RefreshReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshes = append(o.refreshes, r)
}

type fakeMonitor struct {
	mu    sync.Mutex
	usage types.ResourceUtilisation
	err   error
	calls int
}

func (m *fakeMonitor) GetResourceUtilisation(ctx context.Context) (types.ResourceUtilisation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.usage, m.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	usage []types.ResourceUtilisation
}

func (n *recordingNotifier) NotifyUtilisation(ctx context.Context, u types.ResourceUtilisation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.usage = append(n.usage, u)
}

func (n *recordingNotifier) notified() []types.ResourceUtilisation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.ResourceUtilisation, len(n.usage))
	copy(out, n.usage)
	return out
}

// queue is the workload ref of the target built by target(id)
func queue(id string) string { return id + "-queue" }

func target(id string, min, max int) types.ScalingTarget {
	return types.ScalingTarget{
		ID:               id,
		Interval:         10,
		MinInstances:     min,
		MaxInstances:     max,
		WorkloadMetric:   "rabbitmq",
		ScalingTargetRef: queue(id),
	}
}
