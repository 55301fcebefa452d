package autoscaler

import (
	"github.com/cboxdk/queue-autoscaler/internal/types"
)

// Observer is notified of scheduler activity. Methods are called from job
// goroutines and must be safe for concurrent use and must not block.
type Observer interface {
	TargetScheduled(target types.ScalingTarget)
	TargetRemoved(id string)
	CycleCompleted(report CycleReport)
	CycleFailed(err *CycleError)
	RefreshCompleted(report RefreshReport)
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) TargetScheduled(types.ScalingTarget) {}
func (NopObserver) TargetRemoved(string)                {}
func (NopObserver) CycleCompleted(CycleReport)          {}
func (NopObserver) CycleFailed(*CycleError)             {}
func (NopObserver) RefreshCompleted(RefreshReport)      {}

// MultiObserver fans notifications out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) TargetScheduled(target types.ScalingTarget) {
	for _, o := range m {
		o.TargetScheduled(target)
	}
}

func (m MultiObserver) TargetRemoved(id string) {
	for _, o := range m {
		o.TargetRemoved(id)
	}
}

func (m MultiObserver) CycleCompleted(report CycleReport) {
	for _, o := range m {
		o.CycleCompleted(report)
	}
}

func (m MultiObserver) CycleFailed(err *CycleError) {
	for _, o := range m {
		o.CycleFailed(err)
	}
}

func (m MultiObserver) RefreshCompleted(report RefreshReport) {
	for _, o := range m {
		o.RefreshCompleted(report)
	}
}
