package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/uri"
	"github.com/google/uuid"
)

// Envelope statuses as tracked by durable storage
const (
	StatusIncoming  = "incoming"
	StatusScheduled = "scheduled"
	StatusOutgoing  = "outgoing"
	StatusHandled   = "handled"
)

// PingAlias is the message type of a transport probe
const PingAlias = "mmate-ping"

var pingData = []byte{1, 2, 3, 4}

// Envelope wraps a message for transport
type Envelope struct {
	ID         string
	OriginalID string
	ParentID   string
	ResponseID string

	Data        []byte
	MessageType string
	ContentType string

	Source               string
	Destination          string
	ReplyURI             string
	ReceivedAt           string
	AcceptedContentTypes []string

	SentAt time.Time

	Attempts     int
	SentAttempts int

	AckRequested   bool
	ReplyRequested string

	OwnerID int
	Status  string

	Headers map[string]string

	// Callback settles the envelope with the transport that delivered it
	Callback MessageCallback

	executionTime *time.Time
	deliverBy     *time.Time
	message       any
	writer        serialization.Serializer
}

// NewID returns a time-ordered unique identifier
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEnvelope wraps msg in a fresh envelope
func NewEnvelope(msg any) *Envelope {
	env := &Envelope{
		ID:      NewID(),
		SentAt:  time.Now().UTC(),
		Headers: make(map[string]string),
	}
	env.SetMessage(msg)
	return env
}

// Message returns the in-memory message, if the envelope has been deserialized
func (e *Envelope) Message() any {
	return e.message
}

// SetMessage sets the message and derives MessageType from the default registry
func (e *Envelope) SetMessage(msg any) {
	e.SetMessageAs(msg, serialization.AliasOf(msg))
}

// SetMessageAs sets the message under an explicit alias
func (e *Envelope) SetMessageAs(msg any, alias string) {
	e.message = msg
	if msg != nil {
		e.MessageType = alias
	}
}

// ExecutionTime returns the UTC time before which the envelope must not be
// processed, or nil
func (e *Envelope) ExecutionTime() *time.Time {
	return e.executionTime
}

// SetExecutionTime schedules the envelope. A zero time clears the schedule.
func (e *Envelope) SetExecutionTime(t time.Time) {
	if t.IsZero() {
		e.executionTime = nil
		return
	}
	utc := t.UTC()
	e.executionTime = &utc
}

// ScheduleDelayed schedules the envelope delay from now
func (e *Envelope) ScheduleDelayed(delay time.Duration) {
	e.SetExecutionTime(time.Now().Add(delay))
}

// DeliverBy returns the UTC expiry time, or nil
func (e *Envelope) DeliverBy() *time.Time {
	return e.deliverBy
}

// SetDeliverBy sets the expiry time. A zero time clears it.
func (e *Envelope) SetDeliverBy(t time.Time) {
	if t.IsZero() {
		e.deliverBy = nil
		return
	}
	utc := t.UTC()
	e.deliverBy = &utc
}

// DeliverWithin sets the expiry relative to now
func (e *Envelope) DeliverWithin(d time.Duration) {
	e.SetDeliverBy(time.Now().Add(d))
}

// IsDelayed reports whether the envelope is scheduled after now
func (e *Envelope) IsDelayed(now time.Time) bool {
	return e.executionTime != nil && e.executionTime.After(now)
}

// IsExpired reports whether the delivery deadline has passed
func (e *Envelope) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the delivery deadline is at or before now
func (e *Envelope) IsExpiredAt(now time.Time) bool {
	return e.deliverBy != nil && !e.deliverBy.After(now)
}

// Queue returns the queue named by the destination, or by ReceivedAt for
// envelopes that arrived through a listener
func (e *Envelope) Queue() string {
	if e.Destination != "" {
		return uri.QueueName(e.Destination)
	}
	if e.ReceivedAt != "" {
		return uri.QueueName(e.ReceivedAt)
	}
	return ""
}

// Bind attaches the serializer used by EnsureData
func (e *Envelope) Bind(w serialization.Serializer) {
	e.writer = w
	if w != nil && e.ContentType == "" {
		e.ContentType = w.ContentType()
	}
}

// Writer returns the bound serializer
func (e *Envelope) Writer() serialization.Serializer {
	return e.writer
}

// EnsureData serializes the message into Data unless Data is already present
func (e *Envelope) EnsureData() error {
	if len(e.Data) > 0 {
		return nil
	}
	if e.message == nil {
		return fmt.Errorf("%w: %w: %s", ErrInvalidEnvelopeState, ErrNoMessage, e.ID)
	}
	if e.writer == nil {
		return fmt.Errorf("%w: no writer bound to envelope %s", ErrInvalidEnvelopeState, e.ID)
	}

	data, err := e.writer.Write(e.message)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope %s: %w", e.ID, err)
	}
	e.Data = data
	return nil
}

// ForSend derives a child envelope for a message sent while handling e
func (e *Envelope) ForSend(msg any) *Envelope {
	child := NewEnvelope(msg)
	child.OriginalID = e.OriginalID
	if child.OriginalID == "" {
		child.OriginalID = e.ID
	}
	child.ParentID = e.ID
	return child
}

// ForResponse derives a child envelope and, when msg is the reply e asked
// for, addresses it back to the requester. The alias comes from the default
// registry.
func (e *Envelope) ForResponse(msg any) *Envelope {
	return e.ForResponseAs(msg, serialization.AliasOf(msg))
}

// ForResponseAs is ForResponse with msg's alias resolved by the caller
func (e *Envelope) ForResponseAs(msg any, alias string) *Envelope {
	child := e.ForSend(msg)
	child.SetMessageAs(msg, alias)
	if msg != nil && e.RespondsTo(alias) {
		child.ResponseID = e.ID
		child.Destination = e.ReplyURI
		child.AcceptedContentTypes = append([]string(nil), e.AcceptedContentTypes...)
	}
	return child
}

// MatchesResponse reports whether msg is the reply type e requested
func (e *Envelope) MatchesResponse(msg any) bool {
	return msg != nil && e.RespondsTo(serialization.AliasOf(msg))
}

// RespondsTo reports whether alias is the reply type e requested
func (e *Envelope) RespondsTo(alias string) bool {
	return e.ReplyRequested != "" && alias == e.ReplyRequested
}

// Clone returns a copy that shares no mutable state with e except the message
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		c.Headers[k] = v
	}
	c.AcceptedContentTypes = append([]string(nil), e.AcceptedContentTypes...)
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.executionTime != nil {
		t := *e.executionTime
		c.executionTime = &t
	}
	if e.deliverBy != nil {
		t := *e.deliverBy
		c.deliverBy = &t
	}
	return &c
}

// ForPing builds a transport probe addressed to destination
func ForPing(destination string) *Envelope {
	env := &Envelope{
		ID:          NewID(),
		MessageType: PingAlias,
		Data:        append([]byte(nil), pingData...),
		Destination: destination,
		SentAt:      time.Now().UTC(),
		Headers:     make(map[string]string),
	}
	return env
}

// IsPing reports whether e is a transport probe
func (e *Envelope) IsPing() bool {
	return e.MessageType == PingAlias
}

// SetHeader sets a custom header
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

func (e *Envelope) String() string {
	s := fmt.Sprintf("Envelope{id=%s type=%s", e.ID, e.MessageType)
	if e.Destination != "" {
		s += " destination=" + e.Destination
	}
	if e.Source != "" {
		s += " source=" + e.Source
	}
	return s + "}"
}

type envelopeJSON struct {
	ID                   string            `json:"id"`
	OriginalID           string            `json:"originalId,omitempty"`
	ParentID             string            `json:"parentId,omitempty"`
	ResponseID           string            `json:"responseId,omitempty"`
	Data                 []byte            `json:"data,omitempty"`
	MessageType          string            `json:"messageType,omitempty"`
	ContentType          string            `json:"contentType,omitempty"`
	Source               string            `json:"source,omitempty"`
	Destination          string            `json:"destination,omitempty"`
	ReplyURI             string            `json:"replyUri,omitempty"`
	ReceivedAt           string            `json:"receivedAt,omitempty"`
	AcceptedContentTypes []string          `json:"acceptedContentTypes,omitempty"`
	SentAt               time.Time         `json:"sentAt"`
	ExecutionTime        *time.Time        `json:"executionTime,omitempty"`
	DeliverBy            *time.Time        `json:"deliverBy,omitempty"`
	Attempts             int               `json:"attempts"`
	SentAttempts         int               `json:"sentAttempts,omitempty"`
	AckRequested         bool              `json:"ackRequested,omitempty"`
	ReplyRequested       string            `json:"replyRequested,omitempty"`
	OwnerID              int               `json:"ownerId,omitempty"`
	Status               string            `json:"status,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
}

// MarshalJSON encodes the persisted fields of the envelope. The in-memory
// message, callback and writer are never persisted.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		ID:                   e.ID,
		OriginalID:           e.OriginalID,
		ParentID:             e.ParentID,
		ResponseID:           e.ResponseID,
		Data:                 e.Data,
		MessageType:          e.MessageType,
		ContentType:          e.ContentType,
		Source:               e.Source,
		Destination:          e.Destination,
		ReplyURI:             e.ReplyURI,
		ReceivedAt:           e.ReceivedAt,
		AcceptedContentTypes: e.AcceptedContentTypes,
		SentAt:               e.SentAt,
		ExecutionTime:        e.executionTime,
		DeliverBy:            e.deliverBy,
		Attempts:             e.Attempts,
		SentAttempts:         e.SentAttempts,
		AckRequested:         e.AckRequested,
		ReplyRequested:       e.ReplyRequested,
		OwnerID:              e.OwnerID,
		Status:               e.Status,
		Headers:              e.Headers,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Envelope{
		ID:                   w.ID,
		OriginalID:           w.OriginalID,
		ParentID:             w.ParentID,
		ResponseID:           w.ResponseID,
		Data:                 w.Data,
		MessageType:          w.MessageType,
		ContentType:          w.ContentType,
		Source:               w.Source,
		Destination:          w.Destination,
		ReplyURI:             w.ReplyURI,
		ReceivedAt:           w.ReceivedAt,
		AcceptedContentTypes: w.AcceptedContentTypes,
		SentAt:               w.SentAt.UTC(),
		Attempts:             w.Attempts,
		SentAttempts:         w.SentAttempts,
		AckRequested:         w.AckRequested,
		ReplyRequested:       w.ReplyRequested,
		OwnerID:              w.OwnerID,
		Status:               w.Status,
		Headers:              w.Headers,
	}
	if w.ExecutionTime != nil {
		e.SetExecutionTime(*w.ExecutionTime)
	}
	if w.DeliverBy != nil {
		e.SetDeliverBy(*w.DeliverBy)
	}
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	return nil
}
