package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on; a disabled breaker passes every call through
	Enabled bool `yaml:"enabled" json:"enabled"`

	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before probing
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold is the number of half-open successes that closes the circuit
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// Timeout bounds a single protected call
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxConcurrentRequests limits probes in half-open state
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
}

// DefaultCircuitBreakerConfig provides defaults for scaler and stats backends
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:               true,
		FailureThreshold:      5,
		RecoveryTimeout:       30 * time.Second,
		SuccessThreshold:      2,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// CircuitBreakerStats provides metrics about circuit breaker operation
type CircuitBreakerStats struct {
	State            CircuitState `json:"state"`
	FailureCount     int64        `json:"failure_count"`
	SuccessCount     int64        `json:"success_count"`
	RequestCount     int64        `json:"request_count"`
	RejectedCount    int64        `json:"rejected_count"`
	LastFailureTime  time.Time    `json:"last_failure_time,omitempty"`
	LastSuccessTime  time.Time    `json:"last_success_time,omitempty"`
	StateChangedTime time.Time    `json:"state_changed_time"`
	NextRetryTime    time.Time    `json:"next_retry_time,omitempty"`
	IsOpen           bool         `json:"is_open"`
}

// CircuitBreaker fails fast on a backend that keeps failing and probes it
// again after a recovery timeout.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	name   string
	clock  clock.Clock

	mu                   sync.Mutex
	state                CircuitState
	failureCount         int64
	successCount         int64
	requestCount         int64
	rejectedCount        int64
	lastFailureTime      time.Time
	lastSuccessTime      time.Time
	stateChangedTime     time.Time
	nextRetryTime        time.Time
	concurrentRequests   int
	stateChangeListeners []func(name string, old, new CircuitState)
}

// NewCircuitBreaker creates a circuit breaker guarding the named backend.
//
//	cb := NewCircuitBreaker("kubernetes", config, logger)
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return scaler.ScaleUp(ctx, ref, 1)
//	})
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return NewCircuitBreakerWithClock(name, config, logger, clock.NewClock())
}

// NewCircuitBreakerWithClock is NewCircuitBreaker with an explicit clock
func NewCircuitBreakerWithClock(name string, config CircuitBreakerConfig, logger *zap.Logger, clk clock.Clock) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentRequests < 1 {
		config.MaxConcurrentRequests = 1
	}
	return &CircuitBreaker{
		config:           config,
		logger:           logger.Named("circuit-breaker").With(zap.String("name", name)),
		name:             name,
		clock:            clk,
		state:            StateClosed,
		stateChangedTime: clk.Now(),
	}
}

// Name returns the guarded backend name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker allows it. The context passed to fn carries
// the configured timeout. Context cancellation by the caller is not counted
// as a backend failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.config.Enabled {
		return fn(ctx)
	}

	halfOpen, err := cb.acquire()
	if err != nil {
		return err
	}
	if halfOpen {
		defer cb.release()
	}

	execCtx := ctx
	if cb.config.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
		defer cancel()
	}

	start := cb.clock.Now()
	err = fn(execCtx)
	duration := cb.clock.Since(start)

	switch {
	case err == nil:
		cb.recordSuccess(duration)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// caller gave up, backend verdict unknown
	default:
		cb.recordFailure(err, duration)
	}
	return err
}

// Call runs fn through the breaker and returns its value
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// acquire admits a request and reports whether it is a half-open probe
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()

	switch cb.state {
	case StateOpen:
		cb.rejectedCount++
		return false, &CircuitBreakerError{Name: cb.name, State: cb.state, Reason: "circuit breaker is open"}
	case StateHalfOpen:
		if cb.concurrentRequests >= cb.config.MaxConcurrentRequests {
			cb.rejectedCount++
			return false, &CircuitBreakerError{Name: cb.name, State: cb.state, Reason: "too many probe requests"}
		}
		cb.concurrentRequests++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.concurrentRequests > 0 {
		cb.concurrentRequests--
	}
}

// advanceLocked moves an open circuit to half-open once the recovery timeout passed
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && !cb.clock.Now().Before(cb.nextRetryTime) {
		cb.setStateLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) recordFailure(err error, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.requestCount++
	cb.lastFailureTime = cb.clock.Now()

	cb.logger.Warn("Circuit breaker recorded failure",
		zap.Error(err),
		zap.Duration("duration", duration),
		zap.Int64("failure_count", cb.failureCount))

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= int64(cb.config.FailureThreshold) {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess(duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.requestCount++
	cb.lastSuccessTime = cb.clock.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		if cb.successCount >= int64(cb.config.SuccessThreshold) {
			cb.setStateLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setStateLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	now := cb.clock.Now()
	cb.state = newState
	cb.stateChangedTime = now

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case StateOpen:
		cb.nextRetryTime = now.Add(cb.config.RecoveryTimeout)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.concurrentRequests = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.Int64("failure_count", cb.failureCount),
		zap.Time("next_retry", cb.nextRetryTime))

	for _, listener := range cb.stateChangeListeners {
		go listener(cb.name, oldState, newState)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		RequestCount:     cb.requestCount,
		RejectedCount:    cb.rejectedCount,
		LastFailureTime:  cb.lastFailureTime,
		LastSuccessTime:  cb.lastSuccessTime,
		StateChangedTime: cb.stateChangedTime,
		NextRetryTime:    cb.nextRetryTime,
		IsOpen:           cb.state == StateOpen,
	}
}

// AddStateChangeListener registers a listener called asynchronously on every transition
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, old, new CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stateChangeListeners = append(cb.stateChangeListeners, listener)
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
}

// ForceOpen manually opens the circuit
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateOpen)
}

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name   string
	State  CircuitState
	Reason string
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' in state '%s': %s", e.Name, e.State.String(), e.Reason)
}

// IsCircuitBreakerError checks if an error is a circuit breaker rejection
func IsCircuitBreakerError(err error) bool {
	var cbe *CircuitBreakerError
	return errors.As(err, &cbe)
}
