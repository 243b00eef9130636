package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
)

var (
	ErrInvalidHandler    = errors.New("messaging: invalid handler registration")
	ErrGraphFrozen       = errors.New("messaging: handler graph is frozen")
	ErrUnexpectedMessage = errors.New("messaging: unexpected message type")
)

// Handler processes one envelope. A non-nil result is cascaded as a new
// message after the handler succeeds.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) (any, error) {
	return f(ctx, env)
}

// Middleware wraps every handler of a graph
type Middleware func(ctx context.Context, env *contracts.Envelope, next Handler) (any, error)

// HandlerGraph maps message aliases to handlers. It is built at startup and
// frozen once the bus settings are built.
type HandlerGraph struct {
	types      *serialization.TypeRegistry
	handlers   map[string]Handler
	middleware []Middleware
	frozen     bool
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewHandlerGraph creates an empty graph resolving aliases through types. A
// nil registry uses the process-wide one.
func NewHandlerGraph(types *serialization.TypeRegistry, middleware ...Middleware) *HandlerGraph {
	if types == nil {
		types = serialization.DefaultRegistry()
	}
	return &HandlerGraph{
		types:      types,
		handlers:   make(map[string]Handler),
		middleware: middleware,
		logger:     slog.Default(),
	}
}

// Types returns the alias registry of the graph
func (g *HandlerGraph) Types() *serialization.TypeRegistry {
	return g.types
}

// Register binds a handler to messageType. Each alias has exactly one handler.
func (g *HandlerGraph) Register(messageType string, handler Handler) error {
	if messageType == "" {
		return fmt.Errorf("%w: message type cannot be empty", ErrInvalidHandler)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidHandler)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrGraphFrozen, messageType)
	}
	if _, exists := g.handlers[messageType]; exists {
		return fmt.Errorf("%w: %s already has a handler", ErrInvalidHandler, messageType)
	}
	g.handlers[messageType] = handler

	g.logger.Info("registered message handler", "messageType", messageType)
	return nil
}

// Use appends middleware. Middleware runs in the order it was added.
func (g *HandlerGraph) Use(middleware ...Middleware) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return ErrGraphFrozen
	}
	g.middleware = append(g.middleware, middleware...)
	return nil
}

// HandlerFor returns the handler of messageType wrapped in the middleware chain
func (g *HandlerGraph) HandlerFor(messageType string) (Handler, bool) {
	g.mu.RLock()
	handler, ok := g.handlers[messageType]
	middleware := g.middleware
	g.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return chain(handler, middleware), true
}

// CanHandle reports whether messageType has a handler
func (g *HandlerGraph) CanHandle(messageType string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.handlers[messageType]
	return ok
}

// MessageTypes lists the handled aliases in sorted order
func (g *HandlerGraph) MessageTypes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	types := make([]string, 0, len(g.handlers))
	for t := range g.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (g *HandlerGraph) freeze(logger *slog.Logger) {
	g.mu.Lock()
	g.frozen = true
	if logger != nil {
		g.logger = logger
	}
	g.mu.Unlock()
}

// chain builds the middleware chain in reverse so the first middleware runs first
func chain(handler Handler, middleware []Middleware) Handler {
	result := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
			return mw(ctx, env, next)
		})
	}
	return result
}

// Handle registers fn for messages of type T under T's alias
func Handle[T any](g *HandlerGraph, fn func(ctx context.Context, msg T) error) error {
	if fn == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidHandler)
	}
	alias, err := registerType[T](g.types)
	if err != nil {
		return err
	}
	return g.Register(alias, HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
		msg, err := messageAs[T](env.Message())
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, msg)
	}))
}

// Reply registers fn for messages of type T. The value fn returns is the
// response; a nil pointer means there is none.
func Reply[T, R any](g *HandlerGraph, fn func(ctx context.Context, msg T) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidHandler)
	}
	alias, err := registerType[T](g.types)
	if err != nil {
		return err
	}
	if reflect.TypeOf((*R)(nil)).Elem().Kind() != reflect.Interface {
		if _, err := registerType[R](g.types); err != nil {
			return err
		}
	}
	return g.Register(alias, HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
		msg, err := messageAs[T](env.Message())
		if err != nil {
			return nil, err
		}
		resp, err := fn(ctx, msg)
		if err != nil || isNil(resp) {
			return nil, err
		}
		return resp, nil
	}))
}

func registerType[T any](types *serialization.TypeRegistry) (string, error) {
	sample := any(new(T))
	alias := types.AliasOf(sample)
	if err := types.Register(alias, sample); err != nil {
		return "", err
	}
	return alias, nil
}

// messageAs converts a message to T. Deserialized messages are pointers, so
// both T and *T are accepted, and a value is lifted when T is a pointer.
func messageAs[T any](msg any) (T, error) {
	var zero T
	switch m := msg.(type) {
	case T:
		return m, nil
	case *T:
		if m != nil {
			return *m, nil
		}
		return zero, fmt.Errorf("%w: nil %T", ErrUnexpectedMessage, m)
	}

	if msg != nil {
		target := reflect.TypeOf((*T)(nil)).Elem()
		v := reflect.ValueOf(msg)
		if target.Kind() == reflect.Pointer && target.Elem() == v.Type() {
			ptr := reflect.New(v.Type())
			ptr.Elem().Set(v)
			return ptr.Interface().(T), nil
		}
	}
	return zero, fmt.Errorf("%w: want %v, got %T", ErrUnexpectedMessage, reflect.TypeOf((*T)(nil)).Elem(), msg)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
