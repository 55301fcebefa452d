package autoscaler

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// Governor arbitrates fairness across targets: while any target sits below
// its minimum, the others may not grow and are nudged down towards theirs.
//
// Reads of other targets' snapshots are eventually consistent; a decision
// may be based on a count recorded one tick earlier.
type Governor struct {
	mu        sync.RWMutex
	targets   map[string]types.ScalingTarget
	instances map[string]types.InstanceSnapshot
	limits    ResourceLimits
	logger    *zap.Logger
}

// NewGovernor creates an empty governor
func NewGovernor(logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		targets:   make(map[string]types.ScalingTarget),
		instances: make(map[string]types.InstanceSnapshot),
		logger:    logger,
	}
}

// Register stores or replaces the configuration of a target
func (g *Governor) Register(target types.ScalingTarget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets[target.ID] = target
}

// SetResourceLimits sets the limits used to exempt services that are shut
// down under resource pressure from the minimum instance guarantee
func (g *Governor) SetResourceLimits(limits ResourceLimits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
}

// RecordInstances stores the latest instance counts of a registered target.
// Snapshots of unknown targets are dropped.
func (g *Governor) RecordInstances(id string, snapshot types.InstanceSnapshot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.targets[id]; !ok {
		return false
	}
	g.instances[id] = snapshot
	return true
}

// Remove forgets a target and its last snapshot
func (g *Governor) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.targets, id)
	delete(g.instances, id)
}

// Govern returns the action id may actually take given the state of every
// other registered target. Scale-downs are never held back.
func (g *Governor) Govern(id string, proposed types.ScalingAction) (types.ScalingAction, error) {
	return g.GovernAt(id, proposed, ResourceStageNone)
}

// GovernAt is Govern under resource pressure: targets that are being shut
// down at stage do not count as starving.
func (g *Governor) GovernAt(id string, proposed types.ScalingAction, stage ResourceStage) (types.ScalingAction, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	target, ok := g.targets[id]
	if !ok {
		return types.NoAction(), fmt.Errorf("%w: %s", ErrTargetNotRegistered, id)
	}

	if proposed.Operation == types.OperationScaleDown {
		return proposed, nil
	}

	starving := g.unsatisfiedLocked(id, stage)
	if len(starving) == 0 {
		return proposed, nil
	}

	// A missing snapshot counts as zero instances.
	total := g.instances[id].Total()

	var governed types.ScalingAction
	switch {
	case total < target.MinInstances:
		// every starving target is entitled to its minimum
		governed = types.ScaleUp(target.MinInstances - total)
	case total == target.MinInstances:
		governed = types.NoAction()
	default:
		retained := int(math.Floor(float64(total) * StarvationRetainFactor))
		if retained < target.MinInstances {
			retained = target.MinInstances
		}
		governed = types.ScaleDown(total - retained)
	}

	if governed != proposed {
		g.logger.Debug("Governing action while targets are below minimum",
			zap.String("target", id),
			zap.Stringer("proposed", proposed),
			zap.Stringer("governed", governed),
			zap.Strings("starving", starving))
	}

	return governed, nil
}

// Snapshot returns the last recorded snapshot of a target
func (g *Governor) Snapshot(id string) (types.InstanceSnapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.instances[id]
	return s, ok
}

// Target returns the registered configuration of a target
func (g *Governor) Target(id string) (types.ScalingTarget, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.targets[id]
	return t, ok
}

// Targets returns the ids of every registered target, sorted
func (g *Governor) Targets() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.targets))
	for id := range g.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unsatisfied returns the ids of registered targets below their minimum
func (g *Governor) Unsatisfied() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.unsatisfiedLocked("", ResourceStageNone)
}

func (g *Governor) unsatisfiedLocked(exclude string, stage ResourceStage) []string {
	var ids []string
	for id, target := range g.targets {
		if id == exclude {
			continue
		}
		snapshot, ok := g.instances[id]
		if !ok {
			ids = append(ids, id)
			continue
		}
		if snapshot.Total() < target.MinInstances && !g.limits.ShutsDown(stage, snapshot.ShutdownPriority) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
