package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/uri"
)

var ErrNoRoute = errors.New("routing: no route for message")

// ChannelResolver returns the channel for an address
type ChannelResolver func(ctx context.Context, address string) (Channel, error)

// Subscription publishes a message type to a destination
type Subscription struct {
	MessageType  string
	Destination  string
	ContentTypes []string
}

// Outgoing is an envelope ready to be sent over its route
type Outgoing struct {
	Route    *MessageRoute
	Envelope *contracts.Envelope
}

// Send delivers the envelope through the route's channel
func (o Outgoing) Send(ctx context.Context) error {
	return o.Route.Channel.Send(ctx, o.Envelope)
}

// Router holds the routing table. Subscribed routes are compiled once by
// NewRouter; routes for explicit destinations are built on first use and cached.
type Router struct {
	serializers        *serialization.Registry
	resolve            ChannelResolver
	defaultContentType string
	logger             *slog.Logger

	routes map[string][]*MessageRoute

	adHoc map[string]*MessageRoute
	mu    sync.Mutex
}

// RouterOption configures the router
type RouterOption func(*Router)

// WithDefaultContentType sets the content type of routes with none configured
func WithDefaultContentType(contentType string) RouterOption {
	return func(r *Router) {
		r.defaultContentType = contentType
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter compiles subscriptions into routes
func NewRouter(ctx context.Context, serializers *serialization.Registry, resolve ChannelResolver, subscriptions []Subscription, options ...RouterOption) (*Router, error) {
	r := &Router{
		serializers:        serializers,
		resolve:            resolve,
		defaultContentType: serialization.ContentTypeJSON,
		logger:             slog.Default(),
		routes:             make(map[string][]*MessageRoute),
		adHoc:              make(map[string]*MessageRoute),
	}
	for _, opt := range options {
		opt(r)
	}

	for _, sub := range subscriptions {
		channel, err := resolve(ctx, sub.Destination)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve channel for %s: %w", sub.Destination, err)
		}

		contentTypes := sub.ContentTypes
		if len(contentTypes) == 0 {
			contentTypes = []string{r.defaultContentType}
		}
		for _, ct := range contentTypes {
			route, err := NewMessageRoute(sub.MessageType, channel, ct, serializers)
			if err != nil {
				return nil, fmt.Errorf("invalid route %s -> %s: %w", sub.MessageType, sub.Destination, err)
			}
			r.routes[sub.MessageType] = append(r.routes[sub.MessageType], route)
			r.logger.Debug("compiled route", "route", route.String())
		}
	}
	return r, nil
}

// RoutesFor returns the subscribed routes of a message type
func (r *Router) RoutesFor(messageType string) []*MessageRoute {
	return r.routes[messageType]
}

// HasRoutes reports whether any subscription publishes messageType
func (r *Router) HasRoutes(messageType string) bool {
	return len(r.routes[messageType]) > 0
}

// Route clones env for every destination it must travel to. An envelope with
// an explicit destination goes there only; otherwise every subscribed
// destination receives one copy, over the first route whose content type the
// envelope accepts.
func (r *Router) Route(ctx context.Context, env *contracts.Envelope) ([]Outgoing, error) {
	if env.Destination != "" {
		route, err := r.routeTo(ctx, env)
		if err != nil {
			return nil, err
		}
		out, err := route.CloneForSending(env)
		if err != nil {
			return nil, err
		}
		return []Outgoing{{Route: route, Envelope: out}}, nil
	}

	routes := r.routes[env.MessageType]
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, env.MessageType)
	}

	var outgoing []Outgoing
	sent := make(map[string]bool)
	for _, route := range routes {
		dest := uri.Normalize(route.Destination)
		if sent[dest] {
			continue
		}

		probe := *env
		probe.Destination = route.Destination
		if !route.MatchesEnvelope(&probe) {
			continue
		}

		out, err := route.CloneForSending(env)
		if err != nil {
			return nil, err
		}
		sent[dest] = true
		outgoing = append(outgoing, Outgoing{Route: route, Envelope: out})
	}

	if len(outgoing) == 0 {
		return nil, fmt.Errorf("%w: %s accepts none of the configured content types", ErrNoRoute, env.MessageType)
	}
	return outgoing, nil
}

// routeTo finds or builds the route for an envelope's explicit destination
func (r *Router) routeTo(ctx context.Context, env *contracts.Envelope) (*MessageRoute, error) {
	for _, route := range r.routes[env.MessageType] {
		if route.MatchesEnvelope(env) {
			return route, nil
		}
	}

	contentType := r.negotiate(env)
	key := env.MessageType + "|" + uri.Normalize(env.Destination) + "|" + contentType

	r.mu.Lock()
	defer r.mu.Unlock()

	if route, ok := r.adHoc[key]; ok {
		return route, nil
	}

	channel, err := r.resolve(ctx, env.Destination)
	if err != nil {
		return nil, err
	}
	route, err := NewMessageRoute(env.MessageType, channel, contentType, r.serializers)
	if err != nil {
		return nil, err
	}
	r.adHoc[key] = route
	return route, nil
}

// negotiate picks the content type for an ad-hoc route: the explicit one, else
// the first accepted type a serializer exists for, else the default
func (r *Router) negotiate(env *contracts.Envelope) string {
	if env.ContentType != "" {
		return env.ContentType
	}
	for _, accepted := range env.AcceptedContentTypes {
		for _, supported := range r.serializers.ContentTypes() {
			if serialization.Accepts(accepted, supported) {
				return supported
			}
		}
	}
	return r.defaultContentType
}
