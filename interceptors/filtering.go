package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/messaging"
)

var ErrFiltered = errors.New("interceptors: message filtered")

// Filter decides whether an envelope reaches its handler
type Filter interface {
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements Filter
func (f FilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior defines what happens to a filtered envelope
type SkipBehavior int

const (
	// SkipSilently completes the envelope without calling the handler
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the envelope permanently
	SkipWithError
	// SkipWithLog completes the envelope and logs that it was skipped
	SkipWithLog
)

// Filtering only passes envelopes accepted by filter
func Filtering(filter Filter, behavior SkipBehavior, logger *slog.Logger) messaging.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		ok, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("filter error: %w", err)
		}
		if ok {
			return next.Handle(ctx, env)
		}

		switch behavior {
		case SkipWithError:
			return nil, errorhandling.Permanent(fmt.Errorf("%w: type=%s, id=%s", ErrFiltered, env.MessageType, env.ID))
		case SkipWithLog:
			logger.Info("message skipped by filter", "messageId", env.ID, "messageType", env.MessageType)
		}
		return nil, nil
	}
}

// When applies middleware only to envelopes accepted by condition
func When(condition Filter, middleware messaging.Middleware) messaging.Middleware {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		ok, err := condition.ShouldProcess(ctx, env)
		if err != nil {
			return nil, err
		}
		if ok {
			return middleware(ctx, env, next)
		}
		return next.Handle(ctx, env)
	}
}

// All accepts an envelope when every filter does
func All(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any accepts an envelope when at least one filter does
func Any(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not inverts filter
func Not(filter Filter) Filter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		ok, err := filter.ShouldProcess(ctx, env)
		return !ok && err == nil, err
	})
}

// MessageTypes accepts the listed message aliases
func MessageTypes(aliases ...string) Filter {
	allowed := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		allowed[a] = true
	}
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return allowed[env.MessageType], nil
	})
}

// HeaderEquals accepts envelopes whose header key has value
func HeaderEquals(key, value string) Filter {
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		v, ok := env.Headers[key]
		return ok && v == value, nil
	})
}

// FromSource accepts envelopes sent by service
func FromSource(service string) Filter {
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return env.Source == service, nil
	})
}
