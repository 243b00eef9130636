package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether an envelope that failed attempt times is tried
// again. A zero delay asks for an immediate requeue.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialBackoff doubles (by Multiplier) the delay on every attempt
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !IsRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay returns the delay after attempt failures
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		delay = jitter(delay)
	}
	return time.Duration(delay)
}

// LinearBackoff grows the delay by Interval on every attempt
type LinearBackoff struct {
	Interval    time.Duration
	MaxAttempts int
	Jitter      bool
}

// NewLinearBackoff creates a new linear backoff policy
func NewLinearBackoff(interval time.Duration, maxRetries int) *LinearBackoff {
	return &LinearBackoff{
		Interval:    interval,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (l *LinearBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= l.MaxAttempts || !IsRetryableError(err) {
		return false, 0
	}
	return true, l.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (l *LinearBackoff) MaxRetries() int {
	return l.MaxAttempts
}

// NextDelay returns the delay after attempt failures
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(l.Interval) * float64(attempt+1)
	if l.Jitter {
		delay = jitter(delay)
	}
	return time.Duration(delay)
}

// FixedDelay retries after the same delay every time. A zero delay requeues
// immediately.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// Immediate requeues failed envelopes without delay up to maxRetries times
func Immediate(maxRetries int) *FixedDelay {
	return NewFixedDelay(0, maxRetries)
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryableError(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done. It
// backs transport-level retries such as broker publishes.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return &RetryError{Op: op, Attempts: attempt + 1, LastError: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// jitter spreads delay by +-15%
func jitter(delay float64) float64 {
	return delay + rand.Float64()*0.3*delay - 0.15*delay
}
