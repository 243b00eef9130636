package transports

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-bus/uri"
)

// Subscription binds a message type to the endpoint
type Subscription struct {
	MessageType  string
	ContentTypes []string
}

// ListenerSettings configures one listening endpoint
type ListenerSettings struct {
	Name           string
	URI            string
	IsDurable      bool
	MaxParallelism int
	Subscriptions  []Subscription
}

// DefaultParallelism is used when nothing else is configured
const DefaultParallelism = 5

// NewListenerSettings configures an endpoint listening on address
func NewListenerSettings(address string) (*ListenerSettings, error) {
	u, err := uri.Parse(address)
	if err != nil {
		return nil, err
	}

	s := &ListenerSettings{
		URI:            address,
		Name:           uri.QueueName(address),
		IsDurable:      uri.IsDurable(address),
		MaxParallelism: DefaultParallelism,
	}
	if strings.EqualFold(u.Scheme, uri.SchemeLocal) {
		s.URI = uri.Normalize(address)
	}
	return s, nil
}

// LocalQueue configures an in-process queue by name
func LocalQueue(name string) *ListenerSettings {
	name = strings.ToLower(name)
	return &ListenerSettings{
		Name:           name,
		URI:            fmt.Sprintf("%s://%s", uri.SchemeLocal, name),
		MaxParallelism: DefaultParallelism,
	}
}

// Sequential processes one envelope at a time in arrival order
func (s *ListenerSettings) Sequential() *ListenerSettings {
	s.MaxParallelism = 1
	return s
}

// MaximumThreads bounds concurrent handler invocations
func (s *ListenerSettings) MaximumThreads(n int) *ListenerSettings {
	if n < 1 {
		n = 1
	}
	s.MaxParallelism = n
	return s
}

// Durably makes the endpoint persist envelopes before processing them
func (s *ListenerSettings) Durably() *ListenerSettings {
	s.IsDurable = true
	if strings.EqualFold(uri.Scheme(s.URI), uri.SchemeLocal) && !uri.IsDurable(s.URI) {
		s.URI = fmt.Sprintf("%s://%s/%s", uri.SchemeLocal, uri.DurableMarker, s.Name)
	}
	return s
}

// Lightweight makes the endpoint keep envelopes in memory only
func (s *ListenerSettings) Lightweight() *ListenerSettings {
	s.IsDurable = false
	if strings.EqualFold(uri.Scheme(s.URI), uri.SchemeLocal) && uri.IsDurable(s.URI) {
		s.URI = fmt.Sprintf("%s://%s", uri.SchemeLocal, s.Name)
	}
	return s
}

// Named overrides the endpoint name
func (s *ListenerSettings) Named(name string) *ListenerSettings {
	s.Name = name
	return s
}

// Subscribe routes messageType to this endpoint
func (s *ListenerSettings) Subscribe(messageType string, contentTypes ...string) *ListenerSettings {
	s.Subscriptions = append(s.Subscriptions, Subscription{
		MessageType:  messageType,
		ContentTypes: contentTypes,
	})
	return s
}

// Parallelism returns the effective bound on concurrent handler invocations
func (s *ListenerSettings) Parallelism() int {
	if s.MaxParallelism < 1 {
		return 1
	}
	return s.MaxParallelism
}
