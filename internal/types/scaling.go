package types

import (
	"fmt"
)

// Target defaults applied when a source leaves the field unset
const (
	DefaultMinInstances  = 0
	DefaultMaxInstances  = 5
	DefaultBackoffAmount = 0
)

// NoShutdownPriority marks a service that is never shut down under resource
// pressure
const NoShutdownPriority = -1

// ScalingTarget is the configuration of one autoscaled service.
// It only holds comparable fields so targets can be compared with ==.
// ScaleUpBackoffAmount and ScaleDownBackoffAmount replace BackoffAmount after
// an action in that direction when positive.
type ScalingTarget struct {
	ID                     string `json:"id" yaml:"id"`
	Interval               int    `json:"interval" yaml:"interval"`
	MinInstances           int    `json:"min_instances" yaml:"min_instances"`
	MaxInstances           int    `json:"max_instances" yaml:"max_instances"`
	BackoffAmount          int    `json:"backoff_amount" yaml:"backoff_amount"`
	ScaleUpBackoffAmount   int    `json:"scale_up_backoff_amount,omitempty" yaml:"scale_up_backoff_amount,omitempty"`
	ScaleDownBackoffAmount int    `json:"scale_down_backoff_amount,omitempty" yaml:"scale_down_backoff_amount,omitempty"`
	WorkloadMetric         string `json:"workload_metric" yaml:"workload_metric"`
	ScalingTargetRef       string `json:"scaling_target" yaml:"scaling_target"`
	ScalingProfile         string `json:"scaling_profile,omitempty" yaml:"scaling_profile,omitempty"`
}

// WithDefaults returns a copy with an unset MaxInstances replaced by the default
func (t ScalingTarget) WithDefaults() ScalingTarget {
	if t.MaxInstances == 0 {
		t.MaxInstances = DefaultMaxInstances
	}
	return t
}

// BackoffAfter returns the number of ticks to skip after an action with op
func (t ScalingTarget) BackoffAfter(op ScalingOperation) int {
	switch {
	case op == OperationScaleUp && t.ScaleUpBackoffAmount > 0:
		return t.ScaleUpBackoffAmount
	case op == OperationScaleDown && t.ScaleDownBackoffAmount > 0:
		return t.ScaleDownBackoffAmount
	}
	return t.BackoffAmount
}

// InstanceSnapshot is a point-in-time view of a service's instances
type InstanceSnapshot struct {
	Running          int      `json:"running"`
	Staging          int      `json:"staging"`
	Hosts            []string `json:"hosts,omitempty"`
	ShutdownPriority int      `json:"shutdown_priority"`
}

// Total returns running plus staging instances
func (s InstanceSnapshot) Total() int {
	return s.Running + s.Staging
}

// ResourceUtilisation is the load of the messaging platform. DiskFreeMB is
// negative when no node reported its free disk space.
type ResourceUtilisation struct {
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	DiskFreeMB        int64   `json:"disk_free_mb"`
}

// HasDiskFree reports whether DiskFreeMB is known
func (u ResourceUtilisation) HasDiskFree() bool {
	return u.DiskFreeMB >= 0
}

// StatsSample is one observation of a workload backlog
type StatsSample struct {
	Backlog     int64   `json:"backlog"`
	PublishRate float64 `json:"publish_rate"`
	ConsumeRate float64 `json:"consume_rate"`
}

// Normalize clamps negative readings to zero
func (s StatsSample) Normalize() StatsSample {
	if s.Backlog < 0 {
		s.Backlog = 0
	}
	if s.PublishRate < 0 {
		s.PublishRate = 0
	}
	if s.ConsumeRate < 0 {
		s.ConsumeRate = 0
	}
	return s
}

// WorkloadProfile tunes a backlog analyser
type WorkloadProfile struct {
	// SampleWindow is the number of samples averaged before deciding
	SampleWindow int `json:"sample_window" yaml:"sample_window"`

	// DrainGoal is the target time in seconds to drain the backlog
	DrainGoal int `json:"drain_goal" yaml:"drain_goal"`

	// ResetAfterDecision clears the window after a non-NONE proposal
	ResetAfterDecision bool `json:"reset_after_decision" yaml:"reset_after_decision"`
}

// Validate checks the profile bounds
func (p WorkloadProfile) Validate() error {
	if p.SampleWindow < 1 {
		return fmt.Errorf("sample_window must be at least 1, got %d", p.SampleWindow)
	}
	if p.DrainGoal < 1 {
		return fmt.Errorf("drain_goal must be at least 1, got %d", p.DrainGoal)
	}
	return nil
}

// ScalingOperation is the direction of a scaling action
type ScalingOperation string

const (
	OperationNone      ScalingOperation = "none"
	OperationScaleUp   ScalingOperation = "scale_up"
	OperationScaleDown ScalingOperation = "scale_down"
)

// ScalingAction is a proposed or governed change in instance count
type ScalingAction struct {
	Operation ScalingOperation `json:"operation"`
	Amount    int              `json:"amount"`
}

// NoAction returns the NONE action
func NoAction() ScalingAction {
	return ScalingAction{Operation: OperationNone}
}

// ScaleUp returns a SCALE_UP action, or NONE when amount is not positive
func ScaleUp(amount int) ScalingAction {
	if amount <= 0 {
		return NoAction()
	}
	return ScalingAction{Operation: OperationScaleUp, Amount: amount}
}

// ScaleDown returns a SCALE_DOWN action, or NONE when amount is not positive
func ScaleDown(amount int) ScalingAction {
	if amount <= 0 {
		return NoAction()
	}
	return ScalingAction{Operation: OperationScaleDown, Amount: amount}
}

// IsNone reports whether the action changes nothing
func (a ScalingAction) IsNone() bool {
	return a.Operation == OperationNone || a.Operation == "" || a.Amount <= 0
}

func (a ScalingAction) String() string {
	if a.IsNone() {
		return string(OperationNone)
	}
	return fmt.Sprintf("%s(%d)", a.Operation, a.Amount)
}
