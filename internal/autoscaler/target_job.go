package autoscaler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/types"
)

// targetJob is the polling state of one scheduled target. Only one tick of a
// job runs at a time: its timer is re-armed after the previous tick returns.
type targetJob struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when the job's goroutine returns
	done chan struct{}

	mu         sync.Mutex
	target     types.ScalingTarget
	analyser   types.WorkloadAnalyser
	backoff    int
	started    bool
	lastCycle  *CycleReport
	lastErr    error
	deadReason string

	dead atomic.Bool
}

func newTargetJob(parent context.Context, target types.ScalingTarget, analyser types.WorkloadAnalyser) *targetJob {
	ctx, cancel := context.WithCancel(parent)
	return &targetJob{
		id:       target.ID,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		target:   target,
		analyser: analyser,
	}
}

func (j *targetJob) state() (types.ScalingTarget, types.WorkloadAnalyser, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.target, j.analyser, !j.started
}

func (j *targetJob) current() types.ScalingTarget {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.target
}

func (j *targetJob) interval() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.target.Interval) * time.Second
}

// bindingChanged reports whether the analyser has to be rebuilt for target
func (j *targetJob) bindingChanged(target types.ScalingTarget) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.target.WorkloadMetric != target.WorkloadMetric ||
		j.target.ScalingTargetRef != target.ScalingTargetRef ||
		j.target.ScalingProfile != target.ScalingProfile
}

// update replaces bounds, interval and backoff amount. The analyser, its
// window and the running backoff counter are kept.
func (j *targetJob) update(target types.ScalingTarget) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.target = target
}

func (j *targetJob) consumeBackoff() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.backoff > 0 {
		j.backoff--
		return true
	}
	return false
}

func (j *targetJob) setBackoff(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.backoff = n
}

func (j *targetJob) markStarted() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = true
}

func (j *targetJob) recordCycle(report CycleReport, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastCycle = &report
	j.lastErr = err
}

func (j *targetJob) markDead(reason string) {
	j.mu.Lock()
	j.deadReason = reason
	j.mu.Unlock()
	j.dead.Store(true)
}

func (j *targetJob) isDead() bool {
	return j.dead.Load()
}

func (j *targetJob) removed() bool {
	return j.ctx.Err() != nil
}

func (j *targetJob) stop() {
	j.cancel()
}

// stopped returns a channel closed once the job's last tick has returned
func (j *targetJob) stopped() <-chan struct{} {
	return j.done
}

func (j *targetJob) status() TargetStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := TargetStatus{
		Target:  j.target,
		Backoff: j.backoff,
		Started: j.started,
		Dead:    j.dead.Load(),
	}
	if j.lastCycle != nil {
		c := *j.lastCycle
		st.LastCycle = &c
	}
	switch {
	case j.lastErr != nil:
		st.LastError = j.lastErr.Error()
	case st.Dead:
		st.LastError = j.deadReason
	}
	return st
}
