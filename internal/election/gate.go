package election

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// ErrStandby is returned for scale calls made while the gate is in standby
var ErrStandby = fmt.Errorf("%w: replica is in standby", types.ErrScalingSuspended)

// GatedScaler forwards scale calls only while active. Active means elected
// and not paused by an operator. Instance info is always forwarded.
type GatedScaler struct {
	next    types.ServiceScaler
	elected atomic.Bool
	paused  atomic.Bool
	logger  *zap.Logger
}

// NewGatedScaler wraps next; it starts in standby until SetElected(true)
func NewGatedScaler(next types.ServiceScaler, logger *zap.Logger) *GatedScaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatedScaler{next: next, logger: logger}
}

// SetElected records the latest election outcome
func (g *GatedScaler) SetElected(leader bool) {
	if g.elected.Swap(leader) != leader {
		g.logger.Info("Election state changed",
			zap.Bool("elected", leader),
			zap.Bool("active", g.Active()))
	}
}

// TogglePause flips the operator override and returns the new paused state
func (g *GatedScaler) TogglePause() bool {
	for {
		old := g.paused.Load()
		if g.paused.CompareAndSwap(old, !old) {
			g.logger.Info("Manual override toggled",
				zap.Bool("paused", !old),
				zap.Bool("active", g.Active()))
			return !old
		}
	}
}

// Active reports whether scale calls are forwarded
func (g *GatedScaler) Active() bool {
	return g.elected.Load() && !g.paused.Load()
}

// Mode returns "active" or "standby"
func (g *GatedScaler) Mode() string {
	if g.Active() {
		return "active"
	}
	return "standby"
}

// ScaleUp returns ErrStandby without forwarding while not active
func (g *GatedScaler) ScaleUp(ctx context.Context, id string, amount int) error {
	if !g.Active() {
		g.logger.Debug("Scale up discarded in standby", zap.String("target", id), zap.Int("amount", amount))
		return ErrStandby
	}
	return g.next.ScaleUp(ctx, id, amount)
}

// ScaleDown returns ErrStandby without forwarding while not active
func (g *GatedScaler) ScaleDown(ctx context.Context, id string, amount int) error {
	if !g.Active() {
		g.logger.Debug("Scale down discarded in standby", zap.String("target", id), zap.Int("amount", amount))
		return ErrStandby
	}
	return g.next.ScaleDown(ctx, id, amount)
}

func (g *GatedScaler) GetInstanceInfo(ctx context.Context, id string) (types.InstanceSnapshot, error) {
	return g.next.GetInstanceInfo(ctx, id)
}

func (g *GatedScaler) HealthCheck(ctx context.Context) types.HealthResult {
	result := g.next.HealthCheck(ctx)
	if !result.IsHealthy() {
		return result
	}
	if result.Message == "" {
		return types.Healthy(g.Mode())
	}
	return types.Healthy(fmt.Sprintf("%s (%s)", result.Message, g.Mode()))
}
