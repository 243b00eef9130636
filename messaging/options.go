package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/routing"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/transports"
	rabbit "github.com/glimte/mmate-bus/transports/rabbitmq"
	"github.com/glimte/mmate-bus/uri"
)

var ErrInvalidOptions = errors.New("messaging: invalid options")

// DefaultReplyTimeout bounds SendAndWait when no timeout is given
const DefaultReplyTimeout = 30 * time.Second

// Options collects the configuration of a bus. It is mutable while the
// application is being configured; Build turns it into Settings.
type Options struct {
	serviceName        string
	types              *serialization.TypeRegistry
	serializers        *serialization.Registry
	graph              *HandlerGraph
	endpoints          []*transports.ListenerSettings
	publications       []*Publication
	errorPolicy        *errorhandling.ErrorPolicy
	missingHandler     errorhandling.MissingHandler
	store              persistence.EnvelopeStore
	amqpURL            string
	rabbitOptions      []rabbit.TransportOption
	logger             *slog.Logger
	duplicateWindow    int
	replyTimeout       time.Duration
	defaultContentType string
	errs               []error
}

// NewOptions creates options with the default stack: the process-wide type
// registry, JSON and XML serializers, an in-memory store and the default
// error policy. Unhandled messages whose sender waits for a response or an
// acknowledgement get a failure acknowledgement; others are logged and dropped.
func NewOptions() *Options {
	types := serialization.DefaultRegistry()
	return &Options{
		serviceName:        "mmate",
		types:              types,
		serializers:        serialization.NewDefaultRegistry(types),
		graph:              NewHandlerGraph(types),
		errorPolicy:        errorhandling.DefaultErrorPolicy(),
		missingHandler:     errorhandling.FailureAckMissingHandler{},
		duplicateWindow:    DefaultDuplicateWindow,
		replyTimeout:       DefaultReplyTimeout,
		defaultContentType: serialization.ContentTypeJSON,
	}
}

// ServiceName sets the name stamped as the source of outgoing envelopes
func (o *Options) ServiceName(name string) *Options {
	o.serviceName = name
	return o
}

// Handlers returns the handler graph to register handlers on
func (o *Options) Handlers() *HandlerGraph {
	return o.graph
}

// Use adds middleware around every handler
func (o *Options) Use(middleware ...Middleware) *Options {
	if err := o.graph.Use(middleware...); err != nil {
		o.errs = append(o.errs, err)
	}
	return o
}

// ListenForMessagesFrom configures an endpoint listening on address. The
// returned settings can be refined with Sequential, MaximumThreads, Durably
// or Subscribe.
func (o *Options) ListenForMessagesFrom(address string) *transports.ListenerSettings {
	settings, err := transports.NewListenerSettings(address)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("listener %s: %w", address, err))
		return &transports.ListenerSettings{URI: address, MaxParallelism: transports.DefaultParallelism}
	}
	o.endpoints = append(o.endpoints, settings)
	return settings
}

// LocalQueue configures the in-process queue called name
func (o *Options) LocalQueue(name string) *transports.ListenerSettings {
	settings := transports.LocalQueue(name)
	o.endpoints = append(o.endpoints, settings)
	return settings
}

// Publish starts a publishing rule for messageType
func (o *Options) Publish(messageType string) *Publication {
	p := &Publication{messageType: messageType}
	o.publications = append(o.publications, p)
	return p
}

// PublishMessage starts a publishing rule for the alias of sample
func (o *Options) PublishMessage(sample any) *Publication {
	return o.Publish(o.types.AliasOf(sample))
}

// WithErrorPolicy sets how handler failures are retried
func (o *Options) WithErrorPolicy(policy *errorhandling.ErrorPolicy) *Options {
	o.errorPolicy = policy
	return o
}

// WithMissingHandler replaces the hook run for messages nobody handles
func (o *Options) WithMissingHandler(handler errorhandling.MissingHandler) *Options {
	o.missingHandler = handler
	return o
}

// WithStore sets the store behind durable destinations
func (o *Options) WithStore(store persistence.EnvelopeStore) *Options {
	o.store = store
	return o
}

// WithRabbitMQ enables amqp:// destinations on the broker at amqpURL
func (o *Options) WithRabbitMQ(amqpURL string, options ...rabbit.TransportOption) *Options {
	o.amqpURL = amqpURL
	o.rabbitOptions = append(o.rabbitOptions, options...)
	return o
}

// WithLogger sets the logger
func (o *Options) WithLogger(logger *slog.Logger) *Options {
	o.logger = logger
	return o
}

// WithDuplicateWindow sets how many handled envelope ids are remembered
func (o *Options) WithDuplicateWindow(n int) *Options {
	o.duplicateWindow = n
	return o
}

// WithReplyTimeout sets the default wait of SendAndWait
func (o *Options) WithReplyTimeout(timeout time.Duration) *Options {
	o.replyTimeout = timeout
	return o
}

// WithTypes replaces the alias registry. Handlers registered before the call
// are kept.
func (o *Options) WithTypes(types *serialization.TypeRegistry) *Options {
	o.types = types
	o.serializers = serialization.NewDefaultRegistry(types)
	o.graph.types = types
	return o
}

// WithDefaultContentType sets the content type of routes without one
func (o *Options) WithDefaultContentType(contentType string) *Options {
	o.defaultContentType = contentType
	return o
}

// ApplyConfig applies environment configuration
func (o *Options) ApplyConfig(cfg Config) *Options {
	if cfg.ServiceName != "" {
		o.serviceName = cfg.ServiceName
	}
	if cfg.AMQPURL != "" {
		o.amqpURL = cfg.AMQPURL
	}
	if cfg.RetryInitial > 0 {
		o.errorPolicy = errorhandling.NewErrorPolicy(
			errorhandling.RetryWithBackoff(cfg.RetryInitial, max(cfg.RetryMax, cfg.RetryInitial), cfg.MaxAttempts),
		)
	}
	if cfg.ReplyTimeout > 0 {
		o.replyTimeout = cfg.ReplyTimeout
	}
	if cfg.DuplicateWindow > 0 {
		o.duplicateWindow = cfg.DuplicateWindow
	}
	return o
}

// Build validates the options and returns the immutable settings of a bus.
// The handler graph is frozen.
func (o *Options) Build() (*Settings, error) {
	errs := append([]error(nil), o.errs...)
	if o.serviceName == "" {
		errs = append(errs, fmt.Errorf("%w: service name is required", ErrInvalidOptions))
	}

	var subscriptions []routing.Subscription
	for _, p := range o.publications {
		if len(p.destinations) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s is published nowhere", ErrInvalidOptions, p.messageType))
		}
		for _, dest := range p.destinations {
			subscriptions = append(subscriptions, routing.Subscription{
				MessageType:  p.messageType,
				Destination:  dest,
				ContentTypes: p.contentTypes,
			})
		}
	}

	seen := make(map[string]bool)
	endpoints := make([]transports.ListenerSettings, 0, len(o.endpoints))
	for _, e := range o.endpoints {
		key := uri.Normalize(e.URI)
		if seen[key] {
			errs = append(errs, fmt.Errorf("%w: endpoint %s configured twice", ErrInvalidOptions, e.URI))
			continue
		}
		seen[key] = true

		s := *e
		s.Subscriptions = append([]transports.Subscription(nil), e.Subscriptions...)
		endpoints = append(endpoints, s)
		for _, sub := range e.Subscriptions {
			subscriptions = append(subscriptions, routing.Subscription{
				MessageType:  sub.MessageType,
				Destination:  e.URI,
				ContentTypes: sub.ContentTypes,
			})
		}

		if isRemote(e.URI) && o.amqpURL == "" {
			errs = append(errs, fmt.Errorf("%w: %s needs a broker, use WithRabbitMQ", ErrInvalidOptions, e.URI))
		}
	}

	replyURI := uri.RepliesURI
	if o.amqpURL != "" {
		address, err := brokerReplyAddress(o.amqpURL, o.serviceName)
		if err != nil {
			errs = append(errs, err)
		}
		replyURI = address
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	store := o.store
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	missing := o.missingHandler
	if missing == nil {
		missing = errorhandling.DefaultMissingHandler{}
	}

	o.graph.freeze(logger)

	return &Settings{
		serviceName:        o.serviceName,
		types:              o.types,
		serializers:        o.serializers,
		graph:              o.graph,
		endpoints:          endpoints,
		subscriptions:      subscriptions,
		errorPolicy:        o.errorPolicy,
		missingHandler:     missing,
		store:              store,
		amqpURL:            o.amqpURL,
		rabbitOptions:      append([]rabbit.TransportOption(nil), o.rabbitOptions...),
		replyURI:           replyURI,
		logger:             logger,
		duplicateWindow:    o.duplicateWindow,
		replyTimeout:       o.replyTimeout,
		defaultContentType: o.defaultContentType,
	}, nil
}

// Publication routes one message type to its destinations
type Publication struct {
	messageType  string
	destinations []string
	contentTypes []string
}

// To adds a destination
func (p *Publication) To(address string) *Publication {
	p.destinations = append(p.destinations, address)
	return p
}

// As restricts the content types the message travels in, in preference order
func (p *Publication) As(contentTypes ...string) *Publication {
	p.contentTypes = append(p.contentTypes, contentTypes...)
	return p
}

// Settings is the immutable configuration a Bus runs on
type Settings struct {
	serviceName        string
	types              *serialization.TypeRegistry
	serializers        *serialization.Registry
	graph              *HandlerGraph
	endpoints          []transports.ListenerSettings
	subscriptions      []routing.Subscription
	errorPolicy        *errorhandling.ErrorPolicy
	missingHandler     errorhandling.MissingHandler
	store              persistence.EnvelopeStore
	amqpURL            string
	rabbitOptions      []rabbit.TransportOption
	replyURI           string
	logger             *slog.Logger
	duplicateWindow    int
	replyTimeout       time.Duration
	defaultContentType string
}

func (s *Settings) ServiceName() string                          { return s.serviceName }
func (s *Settings) Types() *serialization.TypeRegistry           { return s.types }
func (s *Settings) Serializers() *serialization.Registry         { return s.serializers }
func (s *Settings) Graph() *HandlerGraph                         { return s.graph }
func (s *Settings) ErrorPolicy() *errorhandling.ErrorPolicy      { return s.errorPolicy }
func (s *Settings) MissingHandler() errorhandling.MissingHandler { return s.missingHandler }
func (s *Settings) Store() persistence.EnvelopeStore             { return s.store }
func (s *Settings) AMQPURL() string                              { return s.amqpURL }
func (s *Settings) ReplyURI() string                             { return s.replyURI }
func (s *Settings) Logger() *slog.Logger                         { return s.logger }
func (s *Settings) DuplicateWindow() int                         { return s.duplicateWindow }
func (s *Settings) ReplyTimeout() time.Duration                  { return s.replyTimeout }
func (s *Settings) DefaultContentType() string                   { return s.defaultContentType }

// Endpoints returns copies of the configured endpoints
func (s *Settings) Endpoints() []*transports.ListenerSettings {
	out := make([]*transports.ListenerSettings, len(s.endpoints))
	for i := range s.endpoints {
		e := s.endpoints[i]
		e.Subscriptions = append([]transports.Subscription(nil), e.Subscriptions...)
		out[i] = &e
	}
	return out
}

// Subscriptions returns the compiled publishing rules
func (s *Settings) Subscriptions() []routing.Subscription {
	return append([]routing.Subscription(nil), s.subscriptions...)
}

func isRemote(address string) bool {
	switch uri.Scheme(address) {
	case uri.SchemeAMQP, uri.SchemeAMQPS:
		return true
	}
	return false
}

// brokerReplyAddress names the broker queue responses to this service go to
func brokerReplyAddress(amqpURL, serviceName string) (string, error) {
	u, err := url.Parse(amqpURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: invalid broker url", ErrInvalidOptions)
	}
	queue := strings.ToLower(serviceName) + ".replies"
	return fmt.Sprintf("%s://%s/%s", strings.ToLower(u.Scheme), u.Host, queue), nil
}
