package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

var (
	ErrHandlerTimeout = errors.New("interceptors: handler timed out")
	ErrValidation     = errors.New("interceptors: message failed validation")
)

// Chain combines middleware into one. The first middleware is the outermost.
func Chain(middleware ...messaging.Middleware) messaging.Middleware {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		h := next
		for i := len(middleware) - 1; i >= 0; i-- {
			mw, inner := middleware[i], h
			h = messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
				return mw(ctx, env, inner)
			})
		}
		return h.Handle(ctx, env)
	}
}

// Logging logs every handled envelope with its duration
func Logging(logger *slog.Logger) messaging.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		start := time.Now()
		logger.Debug("handling message",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"attempts", env.Attempts)

		result, err := next.Handle(ctx, env)
		duration := time.Since(start)
		if err != nil {
			logger.Warn("message handler failed",
				"messageId", env.ID,
				"messageType", env.MessageType,
				"attempts", env.Attempts,
				"duration", duration,
				"error", err)
			return result, err
		}

		logger.Debug("message handled",
			"messageId", env.ID,
			"messageType", env.MessageType,
			"duration", duration)
		return result, nil
	}
}

// MetricsCollector receives per message type processing metrics
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// Metrics reports every handled envelope to collector
func Metrics(collector MetricsCollector) messaging.Middleware {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		start := time.Now()
		collector.IncrementMessageCount(env.MessageType)

		result, err := next.Handle(ctx, env)
		collector.RecordProcessingTime(env.MessageType, time.Since(start))
		if err != nil {
			collector.IncrementErrorCount(env.MessageType, fmt.Sprintf("%T", err))
		}
		return result, err
	}
}

// TypeStats is the snapshot of one message type in a Counters collector
type TypeStats struct {
	Handled   int
	Errors    int
	TotalTime time.Duration
}

// Average returns the mean processing time
func (s TypeStats) Average() time.Duration {
	if s.Handled == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Handled)
}

// Counters is an in-memory MetricsCollector
type Counters struct {
	mu    sync.Mutex
	stats map[string]*TypeStats
}

var _ MetricsCollector = (*Counters)(nil)

// NewCounters creates an empty collector
func NewCounters() *Counters {
	return &Counters{stats: make(map[string]*TypeStats)}
}

func (c *Counters) entry(messageType string) *TypeStats {
	s, ok := c.stats[messageType]
	if !ok {
		s = &TypeStats{}
		c.stats[messageType] = s
	}
	return s
}

// IncrementMessageCount implements MetricsCollector
func (c *Counters) IncrementMessageCount(messageType string) {
	c.mu.Lock()
	c.entry(messageType).Handled++
	c.mu.Unlock()
}

// RecordProcessingTime implements MetricsCollector
func (c *Counters) RecordProcessingTime(messageType string, duration time.Duration) {
	c.mu.Lock()
	c.entry(messageType).TotalTime += duration
	c.mu.Unlock()
}

// IncrementErrorCount implements MetricsCollector
func (c *Counters) IncrementErrorCount(messageType string, _ string) {
	c.mu.Lock()
	c.entry(messageType).Errors++
	c.mu.Unlock()
}

// Snapshot copies the current stats keyed by message type
func (c *Counters) Snapshot() map[string]TypeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TypeStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

// Validator checks an envelope before it reaches its handler
type Validator interface {
	Validate(ctx context.Context, env *contracts.Envelope) error
}

// ValidatorFunc is a function adapter for Validator
type ValidatorFunc func(ctx context.Context, env *contracts.Envelope) error

// Validate implements Validator
func (f ValidatorFunc) Validate(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Validation rejects envelopes that fail validator. The failure is permanent.
func Validation(validator Validator) messaging.Middleware {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		if err := validator.Validate(ctx, env); err != nil {
			return nil, errorhandling.Permanent(fmt.Errorf("%w: %s: %v", ErrValidation, env.MessageType, err))
		}
		return next.Handle(ctx, env)
	}
}

// Timeout bounds each handler call. A handler that ignores its context keeps
// running in the background after the timeout is reported.
func Timeout(timeout time.Duration) messaging.Middleware {
	type outcome struct {
		result any
		err    error
	}
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan outcome, 1)
		go func() {
			result, err := next.Handle(ctx, env)
			done <- outcome{result, err}
		}()

		select {
		case o := <-done:
			return o.result, o.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrHandlerTimeout, env.MessageType, timeout)
			}
			return nil, ctx.Err()
		}
	}
}

// Breaker guards a call the way reliability.CircuitBreaker does
type Breaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// NewBreaker creates a circuit breaker that opens after threshold consecutive
// failures and probes again after cooldown
func NewBreaker(name string, threshold int, cooldown time.Duration) Breaker {
	return reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(threshold),
		reliability.WithTimeout(cooldown),
	)
}

// CircuitBreaker stops calling handlers while breaker is open. Refused calls
// fail with a retryable error so the error policy can try them later.
func CircuitBreaker(breaker Breaker) messaging.Middleware {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		var result any
		err := breaker.Execute(ctx, func() error {
			var err error
			result, err = next.Handle(ctx, env)
			return err
		})
		return result, err
	}
}

// IsCircuitOpen reports whether err was returned by an open breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, reliability.ErrCircuitOpen)
}
