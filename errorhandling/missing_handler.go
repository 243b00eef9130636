package errorhandling

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-bus/contracts"
)

// MissingHandler is invoked when no handler exists for an envelope's message
// type. Returning an error moves the envelope to the error queue.
type MissingHandler interface {
	Handle(ctx context.Context, root Root, env *contracts.Envelope) error
}

// MissingHandlerFunc adapts a function to MissingHandler
type MissingHandlerFunc func(ctx context.Context, root Root, env *contracts.Envelope) error

// Handle implements MissingHandler
func (f MissingHandlerFunc) Handle(ctx context.Context, root Root, env *contracts.Envelope) error {
	return f(ctx, root, env)
}

// DefaultMissingHandler logs and drops fire-and-forget messages, and fails
// envelopes whose sender is waiting for a response
type DefaultMissingHandler struct{}

// Handle implements MissingHandler
func (DefaultMissingHandler) Handle(ctx context.Context, root Root, env *contracts.Envelope) error {
	root.Logger().Warn("no handler for message type",
		"envelopeId", env.ID,
		"messageType", env.MessageType,
		"source", env.Source,
	)
	if env.ReplyRequested != "" {
		return fmt.Errorf("%w: %s", ErrOutOfRange, env.MessageType)
	}
	return nil
}

// FailureAckMissingHandler tells the sender that nobody handles its message
// when it asked for an acknowledgement or a response
type FailureAckMissingHandler struct{}

// Handle implements MissingHandler
func (FailureAckMissingHandler) Handle(ctx context.Context, root Root, env *contracts.Envelope) error {
	if !env.AckRequested && env.ReplyRequested == "" {
		return DefaultMissingHandler{}.Handle(ctx, root, env)
	}
	reason := fmt.Sprintf("no handler for message type %s", env.MessageType)
	return root.Acknowledgements().SendFailureAcknowledgement(ctx, env, reason)
}
