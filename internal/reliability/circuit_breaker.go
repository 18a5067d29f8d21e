package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// ErrUnknownState guards against an impossible breaker state.
var ErrUnknownState = errors.New("circuit breaker: unknown state")

// CircuitBreakerError is returned when the breaker blocks an execution.
type CircuitBreakerError struct {
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker open: blocked (failures=%d/%d, retry in %v)",
			e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return "circuit breaker half-open: probe limit reached"
	default:
		return fmt.Sprintf("circuit breaker error in state %v", e.State)
	}
}

// IsRetryable reports whether waiting and retrying can help: an open
// breaker past its cooldown or a saturated half-open probe window can.
func (e *CircuitBreakerError) IsRetryable() bool {
	return e.State != StateOpen || time.Now().After(e.NextRetry)
}

// CircuitBreaker sheds load after consecutive failures. Closed passes all
// calls; open blocks them until a cooldown elapses; half-open admits a few
// probes and closes again after enough succeed.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	probes          int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	maxProbes        int
	name             string

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets consecutive failures before the breaker opens.
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets successes required to close from half-open.
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = cooldown
	}
}

// WithMaxProbes caps concurrent half-open probe executions.
func WithMaxProbes(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxProbes = n
	}
}

// WithName sets the breaker name for identification.
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		cooldown:         30 * time.Second,
		maxProbes:        3,
		name:             "default",
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn under the breaker's admission control.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++
	err := cb.admitLocked()
	cb.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	result := fn()
	cb.record(result)
	return result
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
}

func (cb *CircuitBreaker) admitLocked() error {
	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.cooldown)
		if time.Now().After(nextRetry) {
			cb.state = StateHalfOpen
			cb.probes = 0
			cb.successes = 0
			return nil
		}
		return &CircuitBreakerError{
			State:            cb.state,
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextRetry:        nextRetry,
		}

	case StateHalfOpen:
		if cb.probes >= cb.maxProbes {
			return &CircuitBreakerError{
				State:            cb.state,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        time.Now().Add(time.Second),
			}
		}
		cb.probes++
		return nil

	default:
		return ErrUnknownState
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			// One failed probe reopens the breaker.
			cb.state = StateOpen
			cb.probes = 0
		}
		if cb.state != StateClosed {
			cb.successes = 0
		}
		return
	}

	cb.successes++
	cb.totalSuccesses++
	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// Metrics is a point-in-time snapshot of breaker counters.
type Metrics struct {
	Name           string
	State          State
	TotalRequests  int64
	TotalFailures  int64
	TotalSuccesses int64
	Failures       int
	LastFailure    time.Time
}

// GetMetrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Metrics{
		Name:           cb.name,
		State:          cb.state,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		Failures:       cb.failures,
		LastFailure:    cb.lastFailureTime,
	}
}
