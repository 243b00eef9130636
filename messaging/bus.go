package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/routing"
	"github.com/glimte/mmate-bus/transports"
	"github.com/glimte/mmate-bus/transports/local"
	rabbit "github.com/glimte/mmate-bus/transports/rabbitmq"
	"github.com/glimte/mmate-bus/uri"
	"github.com/glimte/mmate-bus/workers"
)

var (
	ErrNotStarted = errors.New("messaging: bus is not started")
	ErrBusClosed  = errors.New("messaging: bus is closed")
)

// DefaultLocalQueue receives handled messages that have no publishing rule
var DefaultLocalQueue = uri.SchemeLocal + "://" + uri.DefaultQueue

// Bus is the runtime root: it owns the transports, the routing table and the
// handler pipeline every worker queue dispatches to
type Bus struct {
	settings *Settings
	logger   *slog.Logger
	replies  *ReplyWatcher
	pipeline *HandlerPipeline

	local     *local.Transport
	rabbit    *rabbit.Transport
	factories map[string]transports.Factory

	mu       sync.RWMutex
	router   *routing.Router
	queues   []*workers.LightweightQueue
	cancel   context.CancelFunc
	started  bool
	closed   bool
	startErr error
}

// NewBus creates a bus from settings. Nothing is sent or received until
// Start is called; Invoke works right away.
func NewBus(settings *Settings) *Bus {
	b := &Bus{
		settings:  settings,
		logger:    settings.Logger().With("service", settings.ServiceName()),
		replies:   NewReplyWatcher(),
		factories: make(map[string]transports.Factory),
	}
	if err := settings.Types().Register(AcknowledgementAlias, Acknowledgement{}); err != nil {
		b.logger.Error("failed to register acknowledgement type", "error", err)
	}

	b.pipeline = NewHandlerPipeline(settings.Graph(), settings.Serializers(), b,
		WithErrorPolicy(settings.ErrorPolicy()),
		WithReplyWatcher(b.replies),
		WithDuplicateWindow(settings.DuplicateWindow()),
	)

	localOptions := []local.TransportOption{
		local.WithStore(settings.Store()),
		local.WithTransportLogger(b.logger),
		local.WithEndpoint(transports.LocalQueue(uri.QueueName(uri.RepliesURI))),
	}
	for _, e := range settings.Endpoints() {
		if uri.Scheme(e.URI) == uri.SchemeLocal {
			localOptions = append(localOptions, local.WithEndpoint(e))
		}
	}
	b.local = local.NewTransport(b.pipeline, localOptions...)
	b.register(b.local)

	if settings.AMQPURL() != "" {
		rabbitOptions := append([]rabbit.TransportOption{
			rabbit.WithTransportStore(settings.Store()),
			rabbit.WithTransportLogger(b.logger),
			rabbit.WithTransportReplyURI(settings.ReplyURI()),
		}, settings.rabbitOptions...)
		b.rabbit = rabbit.NewTransport(settings.AMQPURL(), rabbitOptions...)
		b.register(b.rabbit)
	}
	return b
}

func (b *Bus) register(f transports.Factory) {
	for _, scheme := range f.Schemes() {
		b.factories[scheme] = f
	}
}

// Settings returns the settings the bus runs on
func (b *Bus) Settings() *Settings { return b.settings }

// Replies returns the watcher of outstanding requests
func (b *Bus) Replies() *ReplyWatcher { return b.replies }

// Start connects to the broker, compiles the routing table, recovers
// persisted envelopes and starts listening on every remote endpoint
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return ErrBusClosed
	case b.started:
		return b.startErr
	}
	b.started = true
	b.startErr = b.start(ctx)
	return b.startErr
}

func (b *Bus) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	if b.rabbit != nil {
		if err := b.rabbit.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
	}

	router, err := routing.NewRouter(ctx, b.settings.Serializers(), b.resolveChannel, b.settings.Subscriptions(),
		routing.WithLogger(b.logger),
		routing.WithDefaultContentType(b.settings.DefaultContentType()),
	)
	if err != nil {
		return fmt.Errorf("failed to compile routes: %w", err)
	}
	b.router = router

	recovered, err := b.local.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start local queues: %w", err)
	}

	if b.rabbit != nil {
		resent, err := b.rabbit.Start(ctx)
		if err != nil {
			return fmt.Errorf("failed to resend outgoing envelopes: %w", err)
		}
		recovered += resent

		if err := b.listenToBroker(runCtx); err != nil {
			return err
		}
	}

	b.logger.Info("bus started",
		"endpoints", len(b.settings.Endpoints()),
		"routes", len(b.settings.Subscriptions()),
		"recovered", recovered,
	)
	return nil
}

// listenToBroker feeds every amqp endpoint, and the reply queue, into a
// worker queue running the handler pipeline
func (b *Bus) listenToBroker(ctx context.Context) error {
	endpoints := make([]*transports.ListenerSettings, 0)
	for _, e := range b.settings.Endpoints() {
		if isRemote(e.URI) {
			endpoints = append(endpoints, e)
		}
	}
	replies, err := transports.NewListenerSettings(b.settings.ReplyURI())
	if err != nil {
		return err
	}
	endpoints = append(endpoints, replies)

	for _, settings := range endpoints {
		listener, err := b.rabbit.Listener(settings)
		if err != nil {
			return fmt.Errorf("failed to build listener for %s: %w", settings.URI, err)
		}
		queue := workers.NewLightweightQueue(settings, b.pipeline, workers.WithLogger(b.logger))
		b.queues = append(b.queues, queue)
		if err := queue.StartListening(ctx, listener); err != nil {
			return fmt.Errorf("failed to listen to %s: %w", settings.URI, err)
		}
	}
	return nil
}

func (b *Bus) resolveChannel(ctx context.Context, address string) (routing.Channel, error) {
	agent, err := b.GetOrBuildSendingAgent(ctx, address)
	if err != nil {
		return nil, err
	}
	return routing.NewAgentChannel(agent), nil
}

// GetOrBuildSendingAgent returns the agent delivering to address, building
// it on first use by the transport owning the address scheme
func (b *Bus) GetOrBuildSendingAgent(ctx context.Context, address string) (transports.SendingAgent, error) {
	factory, ok := b.factories[uri.Scheme(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transports.ErrUnknownTransport, address)
	}
	return factory.BuildSendingAgent(ctx, address)
}

func (b *Bus) currentRouter() (*routing.Router, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.router == nil {
		return nil, ErrNotStarted
	}
	return b.router, nil
}

func (b *Bus) envelopeFor(msg any) *contracts.Envelope {
	env := contracts.NewEnvelope(msg)
	env.SetMessageAs(msg, b.settings.Types().AliasOf(msg))
	env.Source = b.settings.ServiceName()
	return env
}

// Send publishes msg to every destination its type is routed to. Handled
// message types without a publishing rule go to the default local queue.
func (b *Bus) Send(ctx context.Context, msg any) error {
	return b.SendEnvelope(ctx, b.envelopeFor(msg))
}

// SendTo sends msg to destination only
func (b *Bus) SendTo(ctx context.Context, msg any, destination string) error {
	env := b.envelopeFor(msg)
	env.Destination = destination
	return b.SendEnvelope(ctx, env)
}

// Schedule sends msg so that it is not processed before at
func (b *Bus) Schedule(ctx context.Context, msg any, at time.Time) error {
	env := b.envelopeFor(msg)
	env.SetExecutionTime(at)
	return b.SendEnvelope(ctx, env)
}

// SendEnvelope routes env and hands one copy to every channel it travels
func (b *Bus) SendEnvelope(ctx context.Context, env *contracts.Envelope) error {
	outgoing, err := b.route(ctx, env)
	if err != nil {
		return err
	}

	var errs []error
	for _, out := range outgoing {
		if err := out.Send(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to send %s to %s: %w", out.Envelope.MessageType, out.Route.Destination, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) route(ctx context.Context, env *contracts.Envelope) ([]routing.Outgoing, error) {
	router, err := b.currentRouter()
	if err != nil {
		return nil, err
	}
	if env.Source == "" {
		env.Source = b.settings.ServiceName()
	}
	if env.Destination == "" && !router.HasRoutes(env.MessageType) && b.settings.Graph().CanHandle(env.MessageType) {
		env.Destination = DefaultLocalQueue
	}
	return router.Route(ctx, env)
}

// Invoke runs msg's handler inline. A message nobody handles goes to the
// missing-handler hook.
func (b *Bus) Invoke(ctx context.Context, msg any) error {
	env := b.envelopeFor(msg)
	if !b.settings.Graph().CanHandle(env.MessageType) {
		return b.settings.MissingHandler().Handle(ctx, b, env)
	}
	_, err := b.pipeline.Execute(ctx, env)
	return err
}

// InvokeForResponse runs msg's handler inline and returns its response. It
// fails with ErrNoHandler when nobody handles msg.
func (b *Bus) InvokeForResponse(ctx context.Context, msg any) (any, error) {
	return b.pipeline.Execute(ctx, b.envelopeFor(msg))
}

// Request invokes msg inline and converts the response to T. A handler that
// returns no response yields the zero value.
func Request[T any](ctx context.Context, b *Bus, msg any) (T, error) {
	var zero T
	resp, err := b.InvokeForResponse(ctx, msg)
	if err != nil || resp == nil {
		return zero, err
	}
	return messageAs[T](resp)
}

// SendAndWait sends msg to destination and waits for the response of type
// replyType. An empty replyType waits for an acknowledgement instead. A
// handler that returns no response yields nil.
func (b *Bus) SendAndWait(ctx context.Context, msg any, destination, replyType string) (any, error) {
	env := b.envelopeFor(msg)
	env.Destination = destination
	env.ReplyRequested = replyType
	env.AckRequested = replyType == ""

	if uri.Scheme(destination) == uri.SchemeLocal && !b.settings.Graph().CanHandle(env.MessageType) {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, env.MessageType)
	}

	outgoing, err := b.route(ctx, env)
	if err != nil {
		return nil, err
	}
	out := outgoing[0]
	requestID := out.Envelope.ID

	if err := b.replies.Register(requestID); err != nil {
		return nil, err
	}
	if err := out.Send(ctx); err != nil {
		b.replies.Cancel(requestID)
		return nil, err
	}

	reply, err := b.replies.Wait(ctx, requestID, b.settings.ReplyTimeout())
	if err != nil {
		return nil, err
	}

	if ack, ok := asAcknowledgement(reply.Message()); ok && replyType != AcknowledgementAlias {
		if !ack.Success {
			return nil, &FailureAcknowledgementError{RequestID: requestID, Reason: ack.Error}
		}
		return nil, nil
	}
	return reply.Message(), nil
}

// RequestFrom sends msg to destination and waits for a response of type T
func RequestFrom[T any](ctx context.Context, b *Bus, msg any, destination string) (T, error) {
	var zero T
	alias, err := registerType[T](b.settings.Types())
	if err != nil {
		return zero, err
	}
	resp, err := b.SendAndWait(ctx, msg, destination, alias)
	if err != nil || resp == nil {
		return zero, err
	}
	return messageAs[T](resp)
}

// Ping checks that destination accepts envelopes. The probe is completed by
// the receiving pipeline without reaching a handler.
func (b *Bus) Ping(ctx context.Context, destination string) error {
	agent, err := b.GetOrBuildSendingAgent(ctx, destination)
	if err != nil {
		return err
	}
	if agent.Latched() {
		return fmt.Errorf("%w: %s", transports.ErrAgentLatched, destination)
	}

	env := contracts.ForPing(destination)
	env.Source = b.settings.ServiceName()
	return agent.EnqueueOutgoing(ctx, env)
}

// Acknowledgements implements errorhandling.Root
func (b *Bus) Acknowledgements() errorhandling.Acknowledgements { return b }

// MissingHandler implements errorhandling.Root
func (b *Bus) MissingHandler() errorhandling.MissingHandler { return b.settings.MissingHandler() }

// Logger implements errorhandling.Root
func (b *Bus) Logger() *slog.Logger { return b.logger }

// SendAcknowledgement implements errorhandling.Acknowledgements
func (b *Bus) SendAcknowledgement(ctx context.Context, env *contracts.Envelope) error {
	return b.acknowledge(ctx, env, &Acknowledgement{CorrelationID: env.ID, Success: true})
}

// SendFailureAcknowledgement implements errorhandling.Acknowledgements
func (b *Bus) SendFailureAcknowledgement(ctx context.Context, env *contracts.Envelope, reason string) error {
	return b.acknowledge(ctx, env, &Acknowledgement{CorrelationID: env.ID, Error: reason})
}

func (b *Bus) acknowledge(ctx context.Context, env *contracts.Envelope, ack *Acknowledgement) error {
	if env.ReplyURI == "" {
		b.logger.Debug("no reply address to acknowledge", "envelopeId", env.ID)
		return nil
	}

	out := env.ForSend(ack)
	out.SetMessageAs(ack, AcknowledgementAlias)
	out.ResponseID = env.ID
	out.Destination = env.ReplyURI
	out.AcceptedContentTypes = append([]string(nil), env.AcceptedContentTypes...)
	return b.SendEnvelope(ctx, out)
}

func asAcknowledgement(msg any) (*Acknowledgement, bool) {
	switch a := msg.(type) {
	case *Acknowledgement:
		return a, a != nil
	case Acknowledgement:
		return &a, true
	}
	return nil, false
}

// Close stops the broker listeners, drains the local queues and closes the
// transports. Envelopes left in durable queues are recovered by the next
// Start.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := b.queues
	cancel := b.cancel
	b.mu.Unlock()

	var errs []error
	for _, q := range queues {
		errs = append(errs, q.Close())
	}
	errs = append(errs, b.local.Drain(ctx), b.local.Close())
	if b.rabbit != nil {
		errs = append(errs, b.rabbit.Close())
	}
	if cancel != nil {
		cancel()
	}

	b.logger.Info("bus closed")
	return errors.Join(errs...)
}

var _ Runtime = (*Bus)(nil)
