// Package autoscaler implements the backlog-driven scaling decision engine.
//
// The engine is made of four cooperating parts:
//   - BacklogAnalyser proposes actions from a sliding window of stats samples
//   - Governor keeps every target at its minimum before letting others grow
//   - Validator admits only well-formed targets with a supported metric
//   - Scheduler discovers targets, runs one polling job per target and executes
//     the governed action within the target's bounds
package autoscaler

import "time"

// Scheduling constants control the refresh loop and the worker pool.
const (
	// DefaultRefreshInterval is how often the service source is polled
	DefaultRefreshInterval = 900 * time.Second

	// MinRefreshInterval prevents hammering the service source
	MinRefreshInterval = 5 * time.Second

	// DefaultWorkerPoolSize is the number of concurrently executing jobs
	DefaultWorkerPoolSize = 5

	// MinWorkerPoolSize and MaxWorkerPoolSize bound the worker pool
	MinWorkerPoolSize = 2
	MaxWorkerPoolSize = 20

	// DefaultInitialDelay is the delay before a new target's first tick
	DefaultInitialDelay = 30 * time.Second

	// DefaultStaggerDelay spreads the first ticks of targets discovered together
	DefaultStaggerDelay = 1 * time.Second

	// DefaultShutdownTimeout bounds the wait for in-flight cycles on stop
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultRefreshFailureThreshold is the number of consecutive failed
	// refreshes after which the scheduler reports itself unhealthy
	DefaultRefreshFailureThreshold = 3
)

// Governor constants.
const (
	// StarvationRetainFactor is the share of instances a target keeps when it
	// has to give way to a target below its minimum
	StarvationRetainFactor = 0.90
)

// Resource limit defaults.
var (
	DefaultMemoryStages           = [3]float64{70, 80, 90}
	DefaultDiskFreeStages         = [3]int64{400, 200, 100}
	DefaultShutdownPriorityStages = [3]int{1, 3, 5}
)

// Skip reasons reported in CycleReport.Skipped.
const (
	SkipBackoff       = "backoff"
	SkipFirstRun      = "first_run"
	SkipStaging       = "staging"
	SkipAtBounds      = "at_bounds"
	SkipStandby       = "standby"
	SkipResourceLimit = "resource_limit"
)
