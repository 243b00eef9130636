// Package local implements in-process sending agents on top of worker queues.
// Lightweight agents keep envelopes in memory; durable agents persist them
// through a persistence.EnvelopeStore first.
package local

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/transports"
	"github.com/glimte/mmate-bus/uri"
	"github.com/glimte/mmate-bus/workers"
)

// AgentOption configures a local agent
type AgentOption func(*agentConfig)

type agentConfig struct {
	replyURI    string
	deadLetters persistence.EnvelopeStore
	logger      *slog.Logger
}

// WithReplyURI sets the reply address stamped on outgoing envelopes without one
func WithReplyURI(replyURI string) AgentOption {
	return func(c *agentConfig) {
		c.replyURI = replyURI
	}
}

// WithDeadLetters keeps envelopes moved to errors by a lightweight agent
func WithDeadLetters(store persistence.EnvelopeStore) AgentOption {
	return func(c *agentConfig) {
		c.deadLetters = store
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) AgentOption {
	return func(c *agentConfig) {
		c.logger = logger
	}
}

func newAgentConfig(options []AgentOption) agentConfig {
	c := agentConfig{
		replyURI: uri.RepliesURI,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// LightweightAgent delivers envelopes to an in-memory worker queue
type LightweightAgent struct {
	queue    *workers.LightweightQueue
	callback *LightweightCallback
	config   agentConfig
}

// NewLightweightAgent creates an agent delivering into queue
func NewLightweightAgent(queue *workers.LightweightQueue, options ...AgentOption) *LightweightAgent {
	c := newAgentConfig(options)
	return &LightweightAgent{
		queue:    queue,
		config:   c,
		callback: &LightweightCallback{queue: queue, deadLetters: c.deadLetters, logger: c.logger},
	}
}

// Destination implements transports.SendingAgent
func (a *LightweightAgent) Destination() string { return a.queue.Settings().URI }

// ReplyURI implements transports.SendingAgent
func (a *LightweightAgent) ReplyURI() string { return a.config.replyURI }

// Latched implements transports.SendingAgent
func (a *LightweightAgent) Latched() bool { return a.queue.Latched() }

// IsDurable implements transports.SendingAgent
func (a *LightweightAgent) IsDurable() bool { return false }

// SupportsNativeScheduledSend implements transports.SendingAgent
func (a *LightweightAgent) SupportsNativeScheduledSend() bool { return true }

// Queue returns the worker queue behind the agent
func (a *LightweightAgent) Queue() *workers.LightweightQueue { return a.queue }

// EnqueueOutgoing implements transports.SendingAgent
func (a *LightweightAgent) EnqueueOutgoing(ctx context.Context, env *contracts.Envelope) error {
	stamp(env, a.Destination(), a.config.replyURI, a.callback)

	if env.IsDelayed(time.Now()) {
		return a.queue.ScheduleExecution(ctx, env)
	}
	return a.queue.Enqueue(ctx, env)
}

// StoreAndForward implements transports.SendingAgent. Nothing is stored for
// lightweight destinations.
func (a *LightweightAgent) StoreAndForward(ctx context.Context, env *contracts.Envelope) error {
	return a.EnqueueOutgoing(ctx, env)
}

// Close implements transports.SendingAgent
func (a *LightweightAgent) Close() error { return a.queue.Close() }

// DurableAgent delivers envelopes to a durable worker queue
type DurableAgent struct {
	queue    *workers.DurableQueue
	callback *DurableCallback
	config   agentConfig
}

// NewDurableAgent creates an agent delivering into queue
func NewDurableAgent(queue *workers.DurableQueue, options ...AgentOption) *DurableAgent {
	return &DurableAgent{
		queue:    queue,
		config:   newAgentConfig(options),
		callback: &DurableCallback{queue: queue},
	}
}

// Destination implements transports.SendingAgent
func (a *DurableAgent) Destination() string { return a.queue.Settings().URI }

// ReplyURI implements transports.SendingAgent
func (a *DurableAgent) ReplyURI() string { return a.config.replyURI }

// Latched implements transports.SendingAgent
func (a *DurableAgent) Latched() bool { return a.queue.Latched() }

// IsDurable implements transports.SendingAgent
func (a *DurableAgent) IsDurable() bool { return true }

// SupportsNativeScheduledSend implements transports.SendingAgent
func (a *DurableAgent) SupportsNativeScheduledSend() bool { return true }

// Queue returns the worker queue behind the agent
func (a *DurableAgent) Queue() *workers.DurableQueue { return a.queue }

// EnqueueOutgoing implements transports.SendingAgent. The envelope is
// serialized and persisted before it can be dispatched, so recovery can
// rebuild the message from its data.
func (a *DurableAgent) EnqueueOutgoing(ctx context.Context, env *contracts.Envelope) error {
	if env.Message() != nil {
		if err := env.EnsureData(); err != nil {
			return err
		}
	}
	stamp(env, a.Destination(), a.config.replyURI, a.callback)

	if env.IsDelayed(time.Now()) {
		return a.queue.ScheduleExecution(ctx, env)
	}
	return a.queue.Enqueue(ctx, env)
}

// StoreAndForward implements transports.SendingAgent
func (a *DurableAgent) StoreAndForward(ctx context.Context, env *contracts.Envelope) error {
	return a.EnqueueOutgoing(ctx, env)
}

// Recover reloads envelopes persisted for this destination
func (a *DurableAgent) Recover(ctx context.Context) (int, error) {
	return a.queue.Recover(ctx, func(env *contracts.Envelope) {
		env.Callback = a.callback
		if env.ReceivedAt == "" {
			env.ReceivedAt = a.Destination()
		}
	})
}

// Close implements transports.SendingAgent
func (a *DurableAgent) Close() error { return a.queue.Close() }

func stamp(env *contracts.Envelope, destination, replyURI string, cb contracts.MessageCallback) {
	if env.ReplyURI == "" {
		env.ReplyURI = replyURI
	}
	if env.Destination == "" {
		env.Destination = destination
	}
	env.ReceivedAt = destination
	env.Callback = cb
}

var (
	_ transports.SendingAgent = (*LightweightAgent)(nil)
	_ transports.SendingAgent = (*DurableAgent)(nil)
)
