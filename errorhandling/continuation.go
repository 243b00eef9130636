// Package errorhandling decides and applies what happens to an envelope after
// a handler attempt: complete it, try it again now or later, move it to the
// error queue, drop it, or hand it to the missing-handler hook.
package errorhandling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrOutOfRange is returned when a message type has no handler but a
// response was expected
var ErrOutOfRange = errors.New("errorhandling: no handler for message type")

// Acknowledgements sends acknowledgement envelopes back to a sender
type Acknowledgements interface {
	SendAcknowledgement(ctx context.Context, env *contracts.Envelope) error
	SendFailureAcknowledgement(ctx context.Context, env *contracts.Envelope, reason string) error
}

// Root gives continuations access to the runtime
type Root interface {
	Acknowledgements() Acknowledgements
	MissingHandler() MissingHandler
	Logger() *slog.Logger
}

// Kind tags a continuation
type Kind int

const (
	KindSuccess Kind = iota
	KindRequeue
	KindScheduledRetry
	KindMoveToErrorQueue
	KindDiscard
	KindNoHandler
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRequeue:
		return "requeue"
	case KindScheduledRetry:
		return "scheduled-retry"
	case KindMoveToErrorQueue:
		return "move-to-error-queue"
	case KindDiscard:
		return "discard"
	case KindNoHandler:
		return "no-handler"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Continuation is the outcome of one handler attempt
type Continuation struct {
	Kind   Kind
	Delay  time.Duration
	Err    error
	Reason string
}

// Success completes the envelope
func Success() Continuation { return Continuation{Kind: KindSuccess} }

// Requeue puts the same envelope at the back of its queue
func Requeue() Continuation { return Continuation{Kind: KindRequeue} }

// ScheduledRetry retries the envelope after delay
func ScheduledRetry(delay time.Duration) Continuation {
	return Continuation{Kind: KindScheduledRetry, Delay: delay}
}

// MoveToErrorQueue dead-letters the envelope with err attached
func MoveToErrorQueue(err error) Continuation {
	return Continuation{Kind: KindMoveToErrorQueue, Err: err}
}

// Discard drops the envelope
func Discard(reason string) Continuation {
	return Continuation{Kind: KindDiscard, Reason: reason}
}

// NoHandler passes the envelope to the missing-handler hook
func NoHandler() Continuation { return Continuation{Kind: KindNoHandler} }

func (c Continuation) String() string {
	switch c.Kind {
	case KindScheduledRetry:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Delay)
	case KindMoveToErrorQueue:
		return fmt.Sprintf("%s(%v)", c.Kind, c.Err)
	case KindDiscard:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Reason)
	default:
		return c.Kind.String()
	}
}

// Execute applies the continuation through cb. An expired envelope is always
// discarded. A returned error means the side effect failed and the envelope
// is left in its previous state.
func (c Continuation) Execute(ctx context.Context, root Root, cb contracts.MessageCallback, env *contracts.Envelope, now time.Time) error {
	if c.Kind != KindDiscard && env.IsExpiredAt(now) {
		return Discard("expired").Execute(ctx, root, cb, env, now)
	}

	logger := root.Logger().With("envelopeId", env.ID, "messageType", env.MessageType)

	switch c.Kind {
	case KindSuccess:
		if err := cb.Complete(ctx, env); err != nil {
			return fmt.Errorf("failed to complete envelope %s: %w", env.ID, err)
		}
		if env.AckRequested {
			if err := root.Acknowledgements().SendAcknowledgement(ctx, env); err != nil {
				return fmt.Errorf("failed to acknowledge envelope %s: %w", env.ID, err)
			}
		}
		return nil

	case KindRequeue:
		env.Attempts++
		logger.Debug("requeueing envelope", "attempts", env.Attempts)
		return cb.Defer(ctx, env)

	case KindScheduledRetry:
		env.Attempts++
		env.SetExecutionTime(now.Add(c.Delay))
		logger.Debug("scheduling retry", "attempts", env.Attempts, "delay", c.Delay)
		return cb.Defer(ctx, env)

	case KindMoveToErrorQueue:
		failure := c.Err
		if failure == nil {
			failure = errors.New("moved to error queue")
		}
		env.SetHeader(contracts.HeaderExceptionType, fmt.Sprintf("%T", failure))
		env.SetHeader(contracts.HeaderExceptionMessage, failure.Error())
		logger.Warn("moving envelope to error queue", "attempts", env.Attempts, "error", failure)
		return cb.MoveToErrors(ctx, env, failure)

	case KindDiscard:
		logger.Info("discarding envelope", "reason", c.Reason)
		return cb.Complete(ctx, env)

	case KindNoHandler:
		hook := root.MissingHandler()
		if hook == nil {
			hook = DefaultMissingHandler{}
		}
		if err := hook.Handle(ctx, root, env); err != nil {
			return MoveToErrorQueue(err).Execute(ctx, root, cb, env, now)
		}
		return cb.Complete(ctx, env)

	default:
		return fmt.Errorf("errorhandling: unknown continuation %s", c.Kind)
	}
}
