package reliability

import (
	"context"
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

// CircuitBreaker stops calls to a failing dependency for a cool-down period.
// After the timeout one probe call is let through; its outcome closes or
// reopens the circuit.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	probing     bool

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	onStateChange    func(from, to State)
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a callback run on every transition. It runs with
// the breaker unlocked.
func WithStateChange(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 1,
		timeout:          30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the circuit allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may proceed. A nil return must be followed by
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		next := cb.lastFailure.Add(cb.timeout)
		if cb.now().Before(next) {
			err := &CircuitBreakerError{Name: cb.name, State: cb.state, Failures: cb.failures, NextRetry: next}
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
		cb.successes = 0
		notify := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		return nil

	case StateHalfOpen:
		if cb.probing {
			err := &CircuitBreakerError{Name: cb.name, State: cb.state, Failures: cb.failures, NextRetry: cb.now()}
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
	}

	cb.mu.Unlock()
	return nil
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}

	cb.probing = false
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			notify = cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}

	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := func() {}

	cb.probing = false
	cb.failures++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			notify = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		notify = cb.transition(StateOpen)
	}

	cb.mu.Unlock()
	notify()
}

// State returns the current state. An open circuit whose timeout has passed
// still reports open until the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	notify := cb.transition(StateClosed)
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// transition must be called with the lock held; the returned func must be
// called after unlocking
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.onStateChange == nil {
		return func() {}
	}
	fn := cb.onStateChange
	return func() { fn(from, to) }
}
