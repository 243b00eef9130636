package serialization

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
)

var (
	ErrInvalidRegistration = errors.New("serialization: invalid registration")
	ErrUnknownMessageType  = errors.New("serialization: unknown message type")
	ErrUnsupportedContent  = errors.New("serialization: no serializer for content type")
	ErrInvalidContentType  = errors.New("serialization: invalid content type")
	ErrNilMessage          = errors.New("serialization: message cannot be nil")
	ErrEmptyData           = errors.New("serialization: data cannot be empty")
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeXML  = "application/xml"
)

// Serializer converts messages of one content type to and from bytes
type Serializer interface {
	ContentType() string
	Write(msg any) ([]byte, error)
	// Read decodes data into a new value of the type registered for messageType
	Read(data []byte, messageType string) (any, error)
}

// NormalizeContentType strips parameters and lower-cases a media type so that
// "Application/JSON; charset=utf-8" and "application/json" resolve the same serializer.
func NormalizeContentType(contentType string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContentType)
	}
	mt := contenttype.NewMediaType(contentType)
	if mt.Type == "" || mt.Subtype == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidContentType, contentType)
	}
	return strings.ToLower(mt.Type + "/" + mt.Subtype), nil
}

// SameContentType compares two media types ignoring parameters and case
func SameContentType(a, b string) bool {
	na, errA := NormalizeContentType(a)
	nb, errB := NormalizeContentType(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

// Registry resolves serializers by content type
type Registry struct {
	serializers map[string]Serializer
	mu          sync.RWMutex
}

// NewRegistry creates a serializer registry holding the given serializers
func NewRegistry(serializers ...Serializer) *Registry {
	r := &Registry{serializers: make(map[string]Serializer)}
	for _, s := range serializers {
		_ = r.Add(s)
	}
	return r
}

// NewDefaultRegistry returns a registry with JSON and XML serializers bound to types
func NewDefaultRegistry(types *TypeRegistry) *Registry {
	return NewRegistry(NewJSONSerializer(types), NewXMLSerializer(types))
}

// Add registers s under its content type, replacing any previous serializer
func (r *Registry) Add(s Serializer) error {
	if s == nil {
		return fmt.Errorf("%w: serializer cannot be nil", ErrInvalidRegistration)
	}
	key, err := NormalizeContentType(s.ContentType())
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.serializers[key] = s
	r.mu.Unlock()
	return nil
}

// SerializerFor returns the serializer for contentType
func (r *Registry) SerializerFor(contentType string) (Serializer, error) {
	key, err := NormalizeContentType(contentType)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.serializers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
	}
	return s, nil
}

// ContentTypes lists the supported content types in sorted order
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.serializers))
	for ct := range r.serializers {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types
}

// JSONSerializer reads and writes application/json payloads
type JSONSerializer struct {
	types *TypeRegistry
}

// NewJSONSerializer creates a JSON serializer; a nil registry uses the default one
func NewJSONSerializer(types *TypeRegistry) *JSONSerializer {
	if types == nil {
		types = defaultRegistry
	}
	return &JSONSerializer{types: types}
}

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string { return ContentTypeJSON }

// Write implements Serializer
func (s *JSONSerializer) Write(msg any) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Read implements Serializer
func (s *JSONSerializer) Read(data []byte, messageType string) (any, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	target, err := s.types.New(messageType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", messageType, err)
	}
	return target, nil
}

// XMLSerializer reads and writes application/xml payloads
type XMLSerializer struct {
	types *TypeRegistry
}

// NewXMLSerializer creates an XML serializer; a nil registry uses the default one
func NewXMLSerializer(types *TypeRegistry) *XMLSerializer {
	if types == nil {
		types = defaultRegistry
	}
	return &XMLSerializer{types: types}
}

// ContentType implements Serializer
func (s *XMLSerializer) ContentType() string { return ContentTypeXML }

// Write implements Serializer
func (s *XMLSerializer) Write(msg any) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	data, err := xml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Read implements Serializer
func (s *XMLSerializer) Read(data []byte, messageType string) (any, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	target, err := s.types.New(messageType)
	if err != nil {
		return nil, err
	}
	if err := xml.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", messageType, err)
	}
	return target, nil
}

// Accepts reports whether the accepted media range covers contentType.
// Wildcards such as "*/*" and "application/*" are honoured.
func Accepts(accepted, contentType string) bool {
	a, errA := NormalizeContentType(accepted)
	c, errC := NormalizeContentType(contentType)
	if errA != nil || errC != nil {
		return false
	}
	aType, aSub, _ := strings.Cut(a, "/")
	cType, cSub, _ := strings.Cut(c, "/")
	if aType != "*" && aType != cType {
		return false
	}
	return aSub == "*" || aSub == cSub
}
