package autoscaler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTargetNotRegistered indicates the governor has no configuration for a target.
	// It is fatal to the cycle that hit it, never to the scheduler.
	ErrTargetNotRegistered = errors.New("target not registered")

	// ErrAlreadyRunning indicates the scheduler is already running
	ErrAlreadyRunning = errors.New("scheduler is already running")

	// ErrNotRunning indicates the scheduler is not running
	ErrNotRunning = errors.New("scheduler is not running")

	// ErrNoAnalyserFactory indicates no factory serves a target's workload metric
	ErrNoAnalyserFactory = errors.New("no analyser factory for workload metric")

	// ErrInvalidConfiguration indicates invalid engine configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrStatsUnavailable indicates the stats reporter returned no usable sample
	ErrStatsUnavailable = errors.New("workload stats unavailable")
)

// Cycle stages reported in CycleError.Stage.
const (
	StageSource          = "source"
	StageAnalyserFactory = "analyser_factory"
	StageInstances       = "instances"
	StageAnalyse         = "analyse"
	StageGovern          = "govern"
	StageScaleUp         = "scale_up"
	StageScaleDown       = "scale_down"
)

// ValidationError describes why a scaling target was not admitted
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' with value '%v': %s", e.Field, e.Value, e.Message)
}

// CycleError is an operational failure of one scaling cycle. It abandons
// the cycle for Target; the next tick starts from scratch.
type CycleError struct {
	Target string
	Stage  string
	Cause  error
}

func (e CycleError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("autoscaler %s failed: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("scaling cycle for target '%s' failed during '%s': %v", e.Target, e.Stage, e.Cause)
}

func (e CycleError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewCycleError creates a new cycle error
func NewCycleError(target, stage string, cause error) *CycleError {
	return &CycleError{
		Target: target,
		Stage:  stage,
		Cause:  cause,
	}
}

// IsTemporaryError reports whether the next tick is likely to succeed
// without operator intervention.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStatsUnavailable) {
		return true
	}

	var ce *CycleError
	if errors.As(err, &ce) {
		switch ce.Stage {
		case StageInstances, StageAnalyse, StageSource:
			return !IsCriticalError(ce.Cause)
		}
	}
	return false
}

// IsCriticalError reports errors that indicate a broken setup rather than
// a transient outage.
func IsCriticalError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrNoAnalyserFactory) ||
		errors.Is(err, ErrTargetNotRegistered)
}
