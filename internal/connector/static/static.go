// Package static serves targets declared in the configuration file and keeps
// instance counts in memory, for dry runs and local setups.
package static

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// Source returns a fixed list of targets
type Source struct {
	targets []types.ScalingTarget
}

// NewSource creates a source serving targets, with defaults applied
func NewSource(targets []types.ScalingTarget) *Source {
	out := make([]types.ScalingTarget, len(targets))
	for i, t := range targets {
		out[i] = t.WithDefaults()
	}
	return &Source{targets: out}
}

func (s *Source) GetServices(ctx context.Context) ([]types.ScalingTarget, error) {
	out := make([]types.ScalingTarget, len(s.targets))
	copy(out, s.targets)
	return out, nil
}

func (s *Source) HealthCheck(ctx context.Context) types.HealthResult {
	return types.Healthy(fmt.Sprintf("%d static targets", len(s.targets)))
}

// Scaler records instance counts per target id without touching any
// platform. Unknown targets start at the configured initial count.
type Scaler struct {
	initial int
	logger  *zap.Logger

	mu        sync.Mutex
	instances map[string]int
}

// NewScaler creates an in-memory scaler
func NewScaler(initial int, logger *zap.Logger) *Scaler {
	if initial < 0 {
		initial = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scaler{
		initial:   initial,
		logger:    logger,
		instances: make(map[string]int),
	}
}

func (s *Scaler) ScaleUp(ctx context.Context, id string, amount int) error {
	return s.adjust(id, amount)
}

func (s *Scaler) ScaleDown(ctx context.Context, id string, amount int) error {
	return s.adjust(id, -amount)
}

func (s *Scaler) adjust(id string, delta int) error {
	if id == "" {
		return fmt.Errorf("target id cannot be empty")
	}

	s.mu.Lock()
	from := s.countLocked(id)
	to := max(0, from+delta)
	s.instances[id] = to
	s.mu.Unlock()

	s.logger.Info("Instances changed (dry run)",
		zap.String("target", id),
		zap.Int("from", from),
		zap.Int("to", to))
	return nil
}

func (s *Scaler) GetInstanceInfo(ctx context.Context, id string) (types.InstanceSnapshot, error) {
	if id == "" {
		return types.InstanceSnapshot{}, fmt.Errorf("target id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.InstanceSnapshot{Running: s.countLocked(id), ShutdownPriority: types.NoShutdownPriority}, nil
}

func (s *Scaler) HealthCheck(ctx context.Context) types.HealthResult {
	return types.Healthy("")
}

// Instances returns the recorded count of every target
func (s *Scaler) Instances() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.instances))
	for id, n := range s.instances {
		out[id] = n
	}
	return out
}

// Targets returns the ids the scaler has seen, sorted
func (s *Scaler) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scaler) countLocked(id string) int {
	n, ok := s.instances[id]
	if !ok {
		n = s.initial
		s.instances[id] = n
	}
	return n
}
