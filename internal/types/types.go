package types

import (
	"context"
	"errors"
)

// ErrScalingSuspended is returned by scalers that are deliberately not acting,
// such as a standby replica. Callers treat it as a skipped action.
var ErrScalingSuspended = errors.New("scaling suspended")

// ServiceSource discovers the services that should be autoscaled
type ServiceSource interface {
	// GetServices returns the current set of candidate scaling targets
	GetServices(ctx context.Context) ([]ScalingTarget, error)

	// HealthCheck reports whether the source backend is reachable
	HealthCheck(ctx context.Context) HealthResult
}

// ServiceScaler starts and stops instances of a service. Services are
// addressed by ScalingTarget.ID as produced by the matching ServiceSource.
type ServiceScaler interface {
	// ScaleUp adds amount instances to the service
	ScaleUp(ctx context.Context, id string, amount int) error

	// ScaleDown removes amount instances from the service
	ScaleDown(ctx context.Context, id string, amount int) error

	// GetInstanceInfo returns the current running and staging counts
	GetInstanceInfo(ctx context.Context, id string) (InstanceSnapshot, error)

	// HealthCheck reports whether the scaler backend is reachable
	HealthCheck(ctx context.Context) HealthResult
}

// WorkloadAnalyser proposes a scaling action from the workload of one target.
// An analyser instance belongs to exactly one target and is never shared.
type WorkloadAnalyser interface {
	Analyse(ctx context.Context, latest InstanceSnapshot) (ScalingAction, error)
}

// ResourceMonitor reports the utilisation of the messaging platform shared
// by every target
type ResourceMonitor interface {
	GetResourceUtilisation(ctx context.Context) (ResourceUtilisation, error)
}

// WorkloadAnalyserFactory builds analysers for a single workload metric
type WorkloadAnalyserFactory interface {
	// Metric returns the workload metric name this factory serves
	Metric() string

	// NewAnalyser binds a new analyser to a target reference and profile
	NewAnalyser(ref, profile string) (WorkloadAnalyser, error)

	// HealthCheck reports whether the stats backend is reachable
	HealthCheck(ctx context.Context) HealthResult
}

// HealthState represents the health of a component
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateUnknown   HealthState = "unknown"
	HealthStateStarting  HealthState = "starting"
	HealthStateStopping  HealthState = "stopping"
)

// HealthResult is the outcome of a single health probe
type HealthResult struct {
	State   HealthState `json:"state"`
	Message string      `json:"message,omitempty"`
}

// Healthy returns a healthy result with an optional message
func Healthy(message string) HealthResult {
	return HealthResult{State: HealthStateHealthy, Message: message}
}

// Unhealthy returns an unhealthy result carrying the failure message
func Unhealthy(message string) HealthResult {
	return HealthResult{State: HealthStateUnhealthy, Message: message}
}

// IsHealthy reports whether the result is healthy
func (h HealthResult) IsHealthy() bool {
	return h.State == HealthStateHealthy
}
