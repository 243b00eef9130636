package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Aliased is implemented by messages that declare their own wire alias.
type Aliased interface {
	MessageAlias() string
}

// TypeRegistry maps message wire aliases to Go types and back.
//
// Aliases are declared explicitly at startup so that a receiver never needs to
// share the sender's type system to route a message.
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register binds alias to the type of sample
func (r *TypeRegistry) Register(alias string, sample any) error {
	if alias == "" {
		return fmt.Errorf("%w: alias cannot be empty", ErrInvalidRegistration)
	}
	if sample == nil {
		return fmt.Errorf("%w: sample cannot be nil", ErrInvalidRegistration)
	}

	t := baseType(sample)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[alias]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("%w: alias %s already registered to %v", ErrInvalidRegistration, alias, existing)
	}

	r.types[alias] = t
	r.names[t] = alias
	return nil
}

// RegisterType registers sample under its own alias
func (r *TypeRegistry) RegisterType(sample any) error {
	return r.Register(r.AliasOf(sample), sample)
}

// AliasOf returns the wire alias for msg. Messages implementing Aliased win,
// then registered types; anything else falls back to the Go type name.
func (r *TypeRegistry) AliasOf(msg any) string {
	if msg == nil {
		return ""
	}
	if a, ok := msg.(Aliased); ok {
		return a.MessageAlias()
	}

	t := baseType(msg)

	r.mu.RLock()
	name, ok := r.names[t]
	r.mu.RUnlock()
	if ok {
		return name
	}

	return strings.TrimPrefix(t.String(), "*")
}

// New creates a pointer to a fresh value of the type registered under alias
func (r *TypeRegistry) New(alias string) (any, error) {
	r.mu.RLock()
	t, ok := r.types[alias]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, alias)
	}
	return reflect.New(t).Interface(), nil
}

// IsRegistered reports whether alias is known
func (r *TypeRegistry) IsRegistered(alias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.types[alias]
	return ok
}

// ListTypes returns every registered alias in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]string, 0, len(r.types))
	for alias := range r.types {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

func baseType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

var defaultRegistry = NewTypeRegistry()

// DefaultRegistry returns the process-wide type registry
func DefaultRegistry() *TypeRegistry {
	return defaultRegistry
}

// Register registers a message type with the process-wide registry
func Register(alias string, sample any) error {
	return defaultRegistry.Register(alias, sample)
}

// AliasOf resolves a message alias using the process-wide registry
func AliasOf(msg any) string {
	return defaultRegistry.AliasOf(msg)
}
