package autoscaler

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// StatsReporter fetches a fresh workload sample for a target reference
type StatsReporter interface {
	GetStats(ctx context.Context, ref string) (types.StatsSample, error)
}

// BacklogAnalyser proposes scaling actions from the time it would take to
// drain the current backlog at the average consumption rate of the window.
type BacklogAnalyser struct {
	ref      string
	profile  types.WorkloadProfile
	reporter StatsReporter
	logger   *zap.Logger

	mu     sync.Mutex
	window []types.StatsSample
	next   int
	filled bool
}

// NewBacklogAnalyser creates an analyser bound to ref and profile
func NewBacklogAnalyser(ref string, profile types.WorkloadProfile, reporter StatsReporter, logger *zap.Logger) (*BacklogAnalyser, error) {
	if reporter == nil {
		return nil, fmt.Errorf("stats reporter cannot be nil")
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BacklogAnalyser{
		ref:      ref,
		profile:  profile,
		reporter: reporter,
		logger:   logger,
		window:   make([]types.StatsSample, profile.SampleWindow),
	}, nil
}

// Analyse proposes an action for the latest instance snapshot.
//
// A target with no instances always gets one, and a target with instances
// still starting is left alone. Otherwise a fresh sample is appended to the
// window and, once the window is full, the drain time of the latest backlog
// is compared with the profile's drain goal.
func (a *BacklogAnalyser) Analyse(ctx context.Context, latest types.InstanceSnapshot) (types.ScalingAction, error) {
	if latest.Total() == 0 {
		return types.ScaleUp(1), nil
	}
	if latest.Staging > 0 {
		return types.NoAction(), nil
	}

	sample, err := a.reporter.GetStats(ctx, a.ref)
	if err != nil {
		return types.NoAction(), fmt.Errorf("failed to fetch stats for %s: %w", a.ref, err)
	}
	sample = sample.Normalize()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.push(sample)
	if !a.filled {
		return types.NoAction(), nil
	}

	meanRate := a.meanConsumeRate()
	drain := DrainTime(sample.Backlog, meanRate)
	goal := float64(a.profile.DrainGoal)

	action := types.NoAction()
	switch {
	case drain > goal:
		action = types.ScaleUp(1)
	case drain < goal:
		action = types.ScaleDown(1)
	}

	a.logger.Debug("Backlog analysed",
		zap.String("ref", a.ref),
		zap.Int64("backlog", sample.Backlog),
		zap.Float64("mean_consume_rate", meanRate),
		zap.Float64("drain_time", drain),
		zap.Int("drain_goal", a.profile.DrainGoal),
		zap.Stringer("action", action))

	if a.profile.ResetAfterDecision && !action.IsNone() {
		a.reset()
	}

	return action, nil
}

// Samples returns the number of samples currently held in the window
func (a *BacklogAnalyser) Samples() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.filled {
		return len(a.window)
	}
	return a.next
}

func (a *BacklogAnalyser) push(sample types.StatsSample) {
	a.window[a.next] = sample
	a.next++
	if a.next == len(a.window) {
		a.next = 0
		a.filled = true
	}
}

func (a *BacklogAnalyser) reset() {
	a.next = 0
	a.filled = false
}

func (a *BacklogAnalyser) meanConsumeRate() float64 {
	var sum float64
	for _, s := range a.window {
		sum += s.ConsumeRate
	}
	return sum / float64(len(a.window))
}

// DrainTime returns the seconds needed to drain backlog at rate.
// An empty backlog drains instantly; a non-empty backlog that is not being
// consumed never drains.
func DrainTime(backlog int64, rate float64) float64 {
	if backlog <= 0 {
		return 0
	}
	if rate <= 0 {
		return math.Inf(1)
	}
	return float64(backlog) / rate
}
