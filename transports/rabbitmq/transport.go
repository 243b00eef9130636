// Package rabbitmq implements sending agents and listeners for amqp:// and
// amqps:// addresses on top of a RabbitMQ broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/transports"
	"github.com/glimte/mmate-bus/uri"
)

// ErrTransportClosed is returned once the transport has been closed
var ErrTransportClosed = errors.New("rabbitmq: transport is closed")

// QueueDeclarer declares broker queues
type QueueDeclarer interface {
	DeclareWorkQueue(name string, durable bool) error
}

// Transport builds one agent per broker queue and listeners for endpoints
type Transport struct {
	conn       *rabbitmq.ConnectionManager
	publisher  Publisher
	subscriber Subscriber
	topology   QueueDeclarer
	store      persistence.EnvelopeStore
	replyURI   string
	logger     *slog.Logger

	mu        sync.Mutex
	agents    map[string]*Agent
	listeners []*Listener
	closed    bool
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithTransportStore sets the store used by durable agents
func WithTransportStore(store persistence.EnvelopeStore) TransportOption {
	return func(t *Transport) {
		t.store = store
	}
}

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithTransportReplyURI sets the reply address stamped by every agent
func WithTransportReplyURI(replyURI string) TransportOption {
	return func(t *Transport) {
		t.replyURI = replyURI
	}
}

// WithBroker replaces the broker plumbing, mostly for tests
func WithBroker(publisher Publisher, subscriber Subscriber, topology QueueDeclarer) TransportOption {
	return func(t *Transport) {
		t.publisher = publisher
		t.subscriber = subscriber
		t.topology = topology
	}
}

// NewTransport creates a transport for the broker at url. Call Connect before
// building agents.
func NewTransport(url string, options ...TransportOption) *Transport {
	t := &Transport{
		replyURI: uri.RepliesURI,
		logger:   slog.Default(),
		agents:   make(map[string]*Agent),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.publisher == nil {
		t.conn = rabbitmq.NewConnectionManager(url, rabbitmq.WithLogger(t.logger))
		t.conn.AddStateListener(t)
		t.publisher = rabbitmq.NewPublisher(t.conn, rabbitmq.WithPublisherLogger(t.logger))
		t.subscriber = rabbitmq.NewConsumer(t.conn, rabbitmq.WithConsumerLogger(t.logger))
		t.topology = rabbitmq.NewTopology(t.conn)
	}
	if t.store == nil {
		t.store = persistence.NewMemoryStore()
	}
	return t
}

// Connect dials the broker
func (t *Transport) Connect(ctx context.Context) error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Connect(ctx)
}

// Schemes implements transports.Factory
func (t *Transport) Schemes() []string {
	return []string{uri.SchemeAMQP, uri.SchemeAMQPS}
}

// BuildSendingAgent implements transports.Factory. The queue and its error
// queue are declared the first time an address is seen.
func (t *Transport) BuildSendingAgent(ctx context.Context, address string) (transports.SendingAgent, error) {
	return t.agentFor(address)
}

func (t *Transport) agentFor(address string) (*Agent, error) {
	switch uri.Scheme(address) {
	case uri.SchemeAMQP, uri.SchemeAMQPS:
	default:
		return nil, fmt.Errorf("%w: %s", transports.ErrUnknownTransport, address)
	}
	if _, err := uri.Parse(address); err != nil {
		return nil, err
	}
	name := uri.QueueName(address)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if agent, ok := t.agents[name]; ok {
		return agent, nil
	}

	durable := uri.IsDurable(address)
	if err := t.topology.DeclareWorkQueue(name, durable); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	agent := NewAgent(address, t.publisher,
		WithReplyURI(t.replyURI),
		WithStore(t.store),
		WithLogger(t.logger),
	)
	t.agents[name] = agent

	t.logger.Info("built rabbitmq sending agent", "destination", address, "queue", name, "durable", durable)
	return agent, nil
}

// Listener creates a listener consuming the queue configured by settings
func (t *Transport) Listener(settings *transports.ListenerSettings) (*Listener, error) {
	agent, err := t.agentFor(settings.URI)
	if err != nil {
		return nil, err
	}

	l := NewListener(settings, t.subscriber, agent, t.logger)
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
	return l, nil
}

// Start resends outgoing envelopes a previous process persisted but never got
// confirmed by the broker
func (t *Transport) Start(ctx context.Context) (int, error) {
	pending, err := t.store.RecoverPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan outgoing envelopes: %w", err)
	}

	resent := 0
	for _, env := range pending {
		if env.Status != contracts.StatusOutgoing {
			continue
		}
		switch uri.Scheme(env.Destination) {
		case uri.SchemeAMQP, uri.SchemeAMQPS:
		default:
			continue
		}

		agent, err := t.agentFor(env.Destination)
		if err != nil {
			return resent, err
		}
		if err := agent.forward(ctx, env); err != nil {
			return resent, fmt.Errorf("failed to resend envelope %s: %w", env.ID, err)
		}
		resent++
	}
	if resent > 0 {
		t.logger.Info("resent outgoing envelopes", "count", resent)
	}
	return resent, nil
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.agents {
		a.Unlatch()
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("broker connection lost", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("reconnecting to broker", "attempt", attempt)
}

// Close implements transports.Factory
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	agents := t.agents
	listeners := t.listeners
	t.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		errs = append(errs, l.Close())
	}
	for _, a := range agents {
		errs = append(errs, a.Close())
	}
	if c, ok := t.publisher.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := t.subscriber.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if t.conn != nil {
		errs = append(errs, t.conn.Close())
	}
	return errors.Join(errs...)
}

var (
	_ transports.Factory               = (*Transport)(nil)
	_ rabbitmq.ConnectionStateListener = (*Transport)(nil)
)
