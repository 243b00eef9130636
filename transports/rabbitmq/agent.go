package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/transports"
	"github.com/glimte/mmate-bus/uri"
)

// Publisher publishes to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Agent sends envelopes to one broker queue. It latches while its circuit
// breaker is open. Delayed envelopes are held in process until due, since
// the broker has no scheduled delivery.
type Agent struct {
	destination string
	queue       string
	durable     bool
	replyURI    string
	publisher   Publisher
	breaker     *reliability.CircuitBreaker
	store       persistence.EnvelopeStore
	logger      *slog.Logger

	mu     sync.Mutex
	held   map[*time.Timer]struct{}
	closed bool
}

// AgentOption configures an agent
type AgentOption func(*Agent)

// WithReplyURI sets the reply address stamped on outgoing envelopes
func WithReplyURI(replyURI string) AgentOption {
	return func(a *Agent) {
		a.replyURI = replyURI
	}
}

// WithStore sets the store used for store-and-forward
func WithStore(store persistence.EnvelopeStore) AgentOption {
	return func(a *Agent) {
		a.store = store
	}
}

// WithBreaker replaces the agent's circuit breaker
func WithBreaker(breaker *reliability.CircuitBreaker) AgentOption {
	return func(a *Agent) {
		a.breaker = breaker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = logger
	}
}

// NewAgent creates an agent publishing to the queue named by destination
func NewAgent(destination string, publisher Publisher, options ...AgentOption) *Agent {
	a := &Agent{
		destination: destination,
		queue:       uri.QueueName(destination),
		durable:     uri.IsDurable(destination),
		replyURI:    uri.RepliesURI,
		publisher:   publisher,
		logger:      slog.Default(),
		held:        make(map[*time.Timer]struct{}),
	}
	for _, opt := range options {
		opt(a)
	}
	a.logger = a.logger.With("destination", destination)
	if a.breaker == nil {
		a.breaker = reliability.NewCircuitBreaker(
			reliability.WithName(destination),
			reliability.WithFailureThreshold(3),
			reliability.WithTimeout(5*time.Second),
			reliability.WithStateChange(func(from, to reliability.State) {
				a.logger.Warn("sending agent circuit changed", "from", from, "to", to)
			}),
		)
	}
	return a
}

// Destination implements transports.SendingAgent
func (a *Agent) Destination() string { return a.destination }

// ReplyURI implements transports.SendingAgent
func (a *Agent) ReplyURI() string { return a.replyURI }

// Queue returns the broker queue name
func (a *Agent) Queue() string { return a.queue }

// Latched implements transports.SendingAgent
func (a *Agent) Latched() bool {
	return a.breaker.State() == reliability.StateOpen
}

// IsDurable implements transports.SendingAgent
func (a *Agent) IsDurable() bool { return a.durable }

// SupportsNativeScheduledSend implements transports.SendingAgent
func (a *Agent) SupportsNativeScheduledSend() bool { return false }

// Unlatch closes the circuit, typically after the connection came back
func (a *Agent) Unlatch() {
	a.breaker.Reset()
}

// EnqueueOutgoing implements transports.SendingAgent
func (a *Agent) EnqueueOutgoing(ctx context.Context, env *contracts.Envelope) error {
	a.stamp(env)
	if env.IsDelayed(time.Now()) {
		return a.hold(env, func(ctx context.Context) error {
			return a.Publish(ctx, a.queue, env)
		})
	}
	return a.Publish(ctx, a.queue, env)
}

// StoreAndForward implements transports.SendingAgent. Durable agents persist
// env as outgoing and remove it once the broker confirmed it.
func (a *Agent) StoreAndForward(ctx context.Context, env *contracts.Envelope) error {
	if !a.durable || a.store == nil {
		return a.EnqueueOutgoing(ctx, env)
	}

	a.stamp(env)
	env.Status = contracts.StatusOutgoing
	if err := a.store.Persist(ctx, env); err != nil {
		return fmt.Errorf("failed to persist outgoing envelope %s: %w", env.ID, err)
	}
	return a.forward(ctx, env)
}

// forward publishes an envelope already persisted as outgoing
func (a *Agent) forward(ctx context.Context, env *contracts.Envelope) error {
	send := func(ctx context.Context) error {
		if err := a.Publish(ctx, a.queue, env); err != nil {
			return err
		}
		return a.store.MarkHandled(ctx, env.ID)
	}
	if env.IsDelayed(time.Now()) {
		return a.hold(env, send)
	}
	return send(ctx)
}

// Publish encodes env and publishes it to queue through the circuit breaker
func (a *Agent) Publish(ctx context.Context, queue string, env *contracts.Envelope) error {
	msg, err := Encode(env, a.durable)
	if err != nil {
		return err
	}
	return a.breaker.Execute(ctx, func() error {
		return a.publisher.Publish(ctx, queue, msg)
	})
}

// hold runs send at env's execution time
func (a *Agent) hold(env *contracts.Envelope, send func(ctx context.Context) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("%w: %s", transports.ErrAgentLatched, a.destination)
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Until(*env.ExecutionTime()), func() {
		a.mu.Lock()
		delete(a.held, timer)
		a.mu.Unlock()

		if err := send(context.Background()); err != nil {
			a.logger.Error("failed to send scheduled envelope", "envelopeId", env.ID, "error", err)
		}
	})
	a.held[timer] = struct{}{}

	a.logger.Debug("holding scheduled envelope", "envelopeId", env.ID, "executionTime", env.ExecutionTime())
	return nil
}

// Held returns the number of envelopes waiting for their execution time
func (a *Agent) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *Agent) stamp(env *contracts.Envelope) {
	if env.ReplyURI == "" {
		env.ReplyURI = a.replyURI
	}
	if env.Destination == "" {
		env.Destination = a.destination
	}
}

// Close implements transports.SendingAgent. Held envelopes of durable agents
// stay in the store and are resent by the next Transport.Start.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for timer := range a.held {
		timer.Stop()
	}
	if n := len(a.held); n > 0 {
		a.logger.Warn("dropped scheduled envelopes on close", "count", n)
	}
	a.held = make(map[*time.Timer]struct{})
	return nil
}

var _ transports.SendingAgent = (*Agent)(nil)
