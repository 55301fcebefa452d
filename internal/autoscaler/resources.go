package autoscaler

import (
	"context"
	"fmt"

	"github.com/cboxdk/queue-autoscaler/internal/types"
)

// ResourceStage is the pressure level of the messaging platform, from
// ResourceStageNone up to ResourceStageThree.
type ResourceStage int

const (
	ResourceStageNone ResourceStage = iota
	ResourceStageOne
	ResourceStageTwo
	ResourceStageThree
)

func (s ResourceStage) String() string {
	if s <= ResourceStageNone {
		return "none"
	}
	return fmt.Sprintf("stage_%d", int(s))
}

// ResourceLimits maps platform utilisation onto resource stages and decides
// which services are shut down at each stage. Index 0 of every array holds the
// stage one value.
type ResourceLimits struct {
	Enabled bool `json:"enabled"`

	// MemoryUsedPercent is the memory use that reaches each stage
	MemoryUsedPercent [3]float64 `json:"memory_used_percent"`

	// DiskFreeMB is the free disk space that reaches each stage
	DiskFreeMB [3]int64 `json:"disk_free_mb"`

	// ShutdownPriority is the highest shutdown priority stopped at each stage
	ShutdownPriority [3]int `json:"shutdown_priority"`
}

// DefaultResourceLimits returns disabled limits with the stock thresholds
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryUsedPercent: DefaultMemoryStages,
		DiskFreeMB:        DefaultDiskFreeStages,
		ShutdownPriority:  DefaultShutdownPriorityStages,
	}
}

// Validate checks that every stage is at least as severe as the one before
func (l ResourceLimits) Validate() error {
	if !l.Enabled {
		return nil
	}
	for i, v := range l.MemoryUsedPercent {
		if v <= 0 || v > 100 {
			return NewValidationError("resource_limits.memory_used_percent", v, "memory thresholds must be in (0, 100]")
		}
		if i > 0 && v < l.MemoryUsedPercent[i-1] {
			return NewValidationError("resource_limits.memory_used_percent", l.MemoryUsedPercent, "memory thresholds must not decrease")
		}
	}
	for i, v := range l.DiskFreeMB {
		if v < 0 {
			return NewValidationError("resource_limits.disk_free_mb", v, "disk thresholds cannot be negative")
		}
		if i > 0 && v > l.DiskFreeMB[i-1] {
			return NewValidationError("resource_limits.disk_free_mb", l.DiskFreeMB, "disk thresholds must not increase")
		}
	}
	for i, v := range l.ShutdownPriority {
		if i > 0 && v < l.ShutdownPriority[i-1] {
			return NewValidationError("resource_limits.shutdown_priority", l.ShutdownPriority, "shutdown priorities must not decrease")
		}
	}
	return nil
}

// StageOf returns the higher of the memory and disk stages reached by u
func (l ResourceLimits) StageOf(u types.ResourceUtilisation) ResourceStage {
	if !l.Enabled {
		return ResourceStageNone
	}

	stage := ResourceStageNone
	for i := len(l.MemoryUsedPercent) - 1; i >= 0; i-- {
		if u.MemoryUsedPercent >= l.MemoryUsedPercent[i] {
			stage = ResourceStage(i + 1)
			break
		}
	}
	if u.HasDiskFree() {
		for i := len(l.DiskFreeMB) - 1; i >= 0; i-- {
			if u.DiskFreeMB <= l.DiskFreeMB[i] {
				stage = max(stage, ResourceStage(i+1))
				break
			}
		}
	}
	return stage
}

// ShutsDown reports whether a service with priority is stopped at stage
func (l ResourceLimits) ShutsDown(stage ResourceStage, priority int) bool {
	if !l.Enabled || stage <= ResourceStageNone || priority == types.NoShutdownPriority {
		return false
	}
	if stage > ResourceStageThree {
		stage = ResourceStageThree
	}
	return priority <= l.ShutdownPriority[stage-1]
}

// PressureNotifier is told the platform utilisation measured by every cycle
// that reads it
type PressureNotifier interface {
	NotifyUtilisation(ctx context.Context, u types.ResourceUtilisation)
}
