package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen        = errors.New("circuit breaker: circuit is open")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// CircuitBreakerError is returned while the breaker refuses calls
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s after %d failures, retry at %s",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError reports an operation that gave up retrying
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts: %v", e.Op, e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// RetryableError marks an error as retryable or not
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as never worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// Transient marks err as worth retrying
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: true}
}

// IsRetryableError reports whether err is worth another attempt. Errors are
// retryable unless they say otherwise.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable), errors.Is(err, ErrMaxRetriesExceeded):
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
