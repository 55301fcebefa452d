package autoscaler

import (
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/types"
)

// Config holds the scheduler settings
type Config struct {
	RefreshInterval         time.Duration  `json:"refresh_interval"`
	WorkerPoolSize          int            `json:"worker_pool_size"`
	InitialDelay            time.Duration  `json:"initial_delay"`
	StaggerDelay            time.Duration  `json:"stagger_delay"`
	ShutdownTimeout         time.Duration  `json:"shutdown_timeout"`
	EnforceBoundsOnFirstRun bool           `json:"enforce_bounds_on_first_run"`
	RefreshFailureThreshold int            `json:"refresh_failure_threshold"`
	ResourceLimits          ResourceLimits `json:"resource_limits"`
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		RefreshInterval:         DefaultRefreshInterval,
		WorkerPoolSize:          DefaultWorkerPoolSize,
		InitialDelay:            DefaultInitialDelay,
		StaggerDelay:            DefaultStaggerDelay,
		ShutdownTimeout:         DefaultShutdownTimeout,
		EnforceBoundsOnFirstRun: true,
		RefreshFailureThreshold: DefaultRefreshFailureThreshold,
		ResourceLimits:          DefaultResourceLimits(),
	}
}

// Validate checks the scheduler settings
func (c Config) Validate() error {
	if c.RefreshInterval < MinRefreshInterval {
		return NewValidationError("refresh_interval", c.RefreshInterval, "refresh interval must be at least 5s")
	}
	if c.WorkerPoolSize < MinWorkerPoolSize || c.WorkerPoolSize > MaxWorkerPoolSize {
		return NewValidationError("worker_pool_size", c.WorkerPoolSize, "worker pool size must be between 2 and 20")
	}
	if c.InitialDelay < 0 {
		return NewValidationError("initial_delay", c.InitialDelay, "initial delay cannot be negative")
	}
	if c.StaggerDelay < 0 {
		return NewValidationError("stagger_delay", c.StaggerDelay, "stagger delay cannot be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return NewValidationError("shutdown_timeout", c.ShutdownTimeout, "shutdown timeout must be positive")
	}
	if c.RefreshFailureThreshold < 1 {
		return NewValidationError("refresh_failure_threshold", c.RefreshFailureThreshold, "threshold must be at least 1")
	}
	return c.ResourceLimits.Validate()
}

// CycleReport describes one completed tick of a target job
type CycleReport struct {
	Target    string                 `json:"target"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Snapshot  types.InstanceSnapshot `json:"snapshot"`
	Proposed  types.ScalingAction    `json:"proposed"`
	Governed  types.ScalingAction    `json:"governed"`
	Executed  types.ScalingAction    `json:"executed"`
	Skipped   string                 `json:"skipped,omitempty"`
	Stage     ResourceStage          `json:"resource_stage,omitempty"`
}

// RefreshReport describes one pass of the refresh loop
type RefreshReport struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	Discovered int           `json:"discovered"`
	Admitted   int           `json:"admitted"`
	Added      int           `json:"added"`
	Updated    int           `json:"updated"`
	Removed    int           `json:"removed"`
	Restarted  int           `json:"restarted"`
	Err        error         `json:"-"`
}

// TargetStatus is the externally visible state of a scheduled target
type TargetStatus struct {
	Target    types.ScalingTarget     `json:"target"`
	Snapshot  *types.InstanceSnapshot `json:"snapshot,omitempty"`
	Backoff   int                     `json:"backoff_remaining"`
	Started   bool                    `json:"started"`
	Dead      bool                    `json:"dead"`
	LastCycle *CycleReport            `json:"last_cycle,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
}
