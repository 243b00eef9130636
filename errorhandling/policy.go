package errorhandling

import (
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
)

// RetryPolicy decides whether a failed attempt is tried again and after what
// delay
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// RetryImmediately requeues a failed envelope up to maxAttempts times
func RetryImmediately(maxAttempts int) RetryPolicy {
	return reliability.Immediate(maxAttempts)
}

// RetryWithDelay schedules retries after a fixed delay
func RetryWithDelay(delay time.Duration, maxAttempts int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxAttempts)
}

// RetryLinear schedules retries after interval, 2*interval, ...
func RetryLinear(interval time.Duration, maxAttempts int) RetryPolicy {
	return reliability.NewLinearBackoff(interval, maxAttempts)
}

// RetryWithBackoff schedules retries with exponential, jittered backoff
func RetryWithBackoff(initial, max time.Duration, maxAttempts int) RetryPolicy {
	p := reliability.NewExponentialBackoff(initial, max, 2, maxAttempts)
	p.Jitter = true
	return p
}

// NoRetry moves every failed envelope straight to the error queue
func NoRetry() RetryPolicy {
	return reliability.Immediate(0)
}

// Permanent marks err so that it is never retried
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// ErrorPolicy turns a handler failure into a continuation
type ErrorPolicy struct {
	retry RetryPolicy
}

// NewErrorPolicy creates a policy; a nil retry policy never retries
func NewErrorPolicy(retry RetryPolicy) *ErrorPolicy {
	if retry == nil {
		retry = NoRetry()
	}
	return &ErrorPolicy{retry: retry}
}

// DefaultErrorPolicy retries three times with backoff starting at 100ms
func DefaultErrorPolicy() *ErrorPolicy {
	return NewErrorPolicy(RetryWithBackoff(100*time.Millisecond, 10*time.Second, 3))
}

// Decide picks the continuation for env after err. Expiry wins over retries,
// and the attempt count is the one recorded on the envelope.
func (p *ErrorPolicy) Decide(env *contracts.Envelope, err error, now time.Time) Continuation {
	if env.IsExpiredAt(now) {
		return Discard("expired")
	}

	retry, delay := p.retry.ShouldRetry(env.Attempts, err)
	switch {
	case !retry:
		return MoveToErrorQueue(err)
	case delay <= 0:
		return Requeue()
	default:
		return ScheduledRetry(delay)
	}
}
