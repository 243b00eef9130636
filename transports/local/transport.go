package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/transports"
	"github.com/glimte/mmate-bus/uri"
	"github.com/glimte/mmate-bus/workers"
)

// Transport builds one agent per local queue name and owns their queues
type Transport struct {
	pipeline  workers.Pipeline
	store     persistence.EnvelopeStore
	logger    *slog.Logger
	endpoints map[string]*transports.ListenerSettings
	agents    map[string]transports.SendingAgent
	closed    bool
	mu        sync.Mutex
}

// TransportOption configures the local transport
type TransportOption func(*Transport)

// WithStore sets the store used by durable queues and for dead letters
func WithStore(store persistence.EnvelopeStore) TransportOption {
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

// WithEndpoint registers endpoint settings for a local queue
func WithEndpoint(settings *transports.ListenerSettings) TransportOption {
	return func(t *Transport) {
		t.endpoints[strings.ToLower(settings.Name)] = settings
	}
}

// NewTransport creates the local transport dispatching to pipeline
func NewTransport(pipeline workers.Pipeline, options ...TransportOption) *Transport {
	t := &Transport{
		pipeline:  pipeline,
		logger:    slog.Default(),
		endpoints: make(map[string]*transports.ListenerSettings),
		agents:    make(map[string]transports.SendingAgent),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.store == nil {
		t.store = persistence.NewMemoryStore()
	}
	return t
}

// Schemes implements transports.Factory
func (t *Transport) Schemes() []string {
	return []string{uri.SchemeLocal}
}

// BuildSendingAgent implements transports.Factory. Agents are cached by
// queue name, so every address naming the same queue shares one agent.
func (t *Transport) BuildSendingAgent(ctx context.Context, address string) (transports.SendingAgent, error) {
	if uri.Scheme(address) != uri.SchemeLocal {
		return nil, fmt.Errorf("%w: %s", transports.ErrUnknownTransport, address)
	}
	name := uri.QueueName(address)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, workers.ErrClosed
	}
	if agent, ok := t.agents[name]; ok {
		return agent, nil
	}

	settings, ok := t.endpoints[name]
	if !ok {
		var err error
		settings, err = transports.NewListenerSettings(address)
		if err != nil {
			return nil, err
		}
		t.endpoints[name] = settings
	}

	logger := t.logger.With("destination", settings.URI)
	var agent transports.SendingAgent
	if settings.IsDurable {
		queue := workers.NewDurableQueue(settings, t.pipeline, t.store, workers.WithLogger(t.logger))
		agent = NewDurableAgent(queue, WithLogger(logger))
	} else {
		queue := workers.NewLightweightQueue(settings, t.pipeline, workers.WithLogger(t.logger))
		agent = NewLightweightAgent(queue, WithLogger(logger), WithDeadLetters(t.store))
	}
	t.agents[name] = agent

	logger.Info("built local sending agent",
		"durable", settings.IsDurable,
		"parallelism", settings.Parallelism(),
	)
	return agent, nil
}

// Start builds an agent for every configured endpoint and recovers the
// envelopes persisted for durable local queues. Call it once.
func (t *Transport) Start(ctx context.Context) (int, error) {
	t.mu.Lock()
	var addresses []string
	for _, s := range t.endpoints {
		addresses = append(addresses, s.URI)
	}
	t.mu.Unlock()

	pending, err := t.store.RecoverPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan durable store: %w", err)
	}
	for _, env := range pending {
		if uri.Scheme(env.Destination) == uri.SchemeLocal && uri.IsDurable(env.Destination) {
			addresses = append(addresses, env.Destination)
		}
	}
	sort.Strings(addresses)

	recovered := 0
	seen := make(map[*DurableAgent]bool)
	for _, address := range addresses {
		agent, err := t.BuildSendingAgent(ctx, address)
		if err != nil {
			return recovered, err
		}
		durable, ok := agent.(*DurableAgent)
		if !ok || seen[durable] {
			continue
		}
		seen[durable] = true
		n, err := durable.Recover(ctx)
		recovered += n
		if err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// Agents returns every agent built so far
func (t *Transport) Agents() []transports.SendingAgent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]transports.SendingAgent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a)
	}
	return out
}

// Drain latches every queue and waits for them to run dry
func (t *Transport) Drain(ctx context.Context) error {
	var errs []error
	for _, agent := range t.Agents() {
		switch a := agent.(type) {
		case *LightweightAgent:
			errs = append(errs, a.queue.Drain(ctx))
		case *DurableAgent:
			errs = append(errs, a.queue.Drain(ctx))
		}
	}
	return errors.Join(errs...)
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
	t.mu.Unlock()

	var errs []error
	for _, a := range agents {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

// Store returns the store behind durable queues
func (t *Transport) Store() persistence.EnvelopeStore {
	return t.store
}

var _ transports.Factory = (*Transport)(nil)
