package local

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/workers"
)

// LightweightCallback settles envelopes of a lightweight queue
type LightweightCallback struct {
	queue       *workers.LightweightQueue
	deadLetters persistence.EnvelopeStore
	logger      *slog.Logger
}

// Complete implements contracts.MessageCallback. There is nothing to release.
func (c *LightweightCallback) Complete(ctx context.Context, env *contracts.Envelope) error {
	return nil
}

// Defer implements contracts.MessageCallback
func (c *LightweightCallback) Defer(ctx context.Context, env *contracts.Envelope) error {
	return c.queue.Requeue(ctx, env)
}

// MoveToErrors implements contracts.MessageCallback
func (c *LightweightCallback) MoveToErrors(ctx context.Context, env *contracts.Envelope, failure error) error {
	c.logger.Error("envelope moved to errors",
		"envelopeId", env.ID,
		"messageType", env.MessageType,
		"attempts", env.Attempts,
		"error", failure,
	)
	if c.deadLetters == nil {
		return nil
	}
	return c.deadLetters.MoveToDeadLetter(ctx, env, failure)
}

// DurableCallback settles envelopes of a durable queue through its store
type DurableCallback struct {
	queue *workers.DurableQueue
}

// Complete implements contracts.MessageCallback
func (c *DurableCallback) Complete(ctx context.Context, env *contracts.Envelope) error {
	return c.queue.Complete(ctx, env)
}

// Defer implements contracts.MessageCallback
func (c *DurableCallback) Defer(ctx context.Context, env *contracts.Envelope) error {
	return c.queue.Requeue(ctx, env)
}

// MoveToErrors implements contracts.MessageCallback
func (c *DurableCallback) MoveToErrors(ctx context.Context, env *contracts.Envelope, failure error) error {
	return c.queue.MoveToErrors(ctx, env, failure)
}

var (
	_ contracts.MessageCallback = (*LightweightCallback)(nil)
	_ contracts.MessageCallback = (*DurableCallback)(nil)
)
