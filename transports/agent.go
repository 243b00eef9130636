package transports

import (
	"context"
	"errors"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	ErrUnknownTransport = errors.New("transports: no transport for address")
	ErrAgentLatched     = errors.New("transports: sending agent is latched")
)

// SendingAgent is the per-destination delivery pipeline
type SendingAgent interface {
	Destination() string
	ReplyURI() string
	Latched() bool
	IsDurable() bool
	// SupportsNativeScheduledSend reports whether delayed envelopes are held by
	// the agent itself
	SupportsNativeScheduledSend() bool

	// EnqueueOutgoing stamps env for this agent and delivers it immediately or
	// at its execution time
	EnqueueOutgoing(ctx context.Context, env *contracts.Envelope) error
	// StoreAndForward persists env before delivering it. Non-durable agents
	// deliver directly.
	StoreAndForward(ctx context.Context, env *contracts.Envelope) error

	Close() error
}

// Receiver accepts envelopes from a listener. The envelope's Callback is set
// by the listener before Received is called.
type Receiver interface {
	Received(ctx context.Context, env *contracts.Envelope) error
}

// ReceiverFunc adapts a function to Receiver
type ReceiverFunc func(ctx context.Context, env *contracts.Envelope) error

// Received implements Receiver
func (f ReceiverFunc) Received(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Listener pulls envelopes from an external transport
type Listener interface {
	Address() string
	Start(ctx context.Context, receiver Receiver) error
	Close() error
}

// Factory builds sending agents for one transport family
type Factory interface {
	Schemes() []string
	BuildSendingAgent(ctx context.Context, address string) (SendingAgent, error)
	Close() error
}
