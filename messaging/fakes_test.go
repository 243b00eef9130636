package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
)

type placeOrder struct {
	ID string `json:"id"`
}

func (placeOrder) MessageAlias() string { return "test.place-order" }

type sequenced struct {
	N int `json:"n"`
}

func (sequenced) MessageAlias() string { return "test.sequenced" }

type question struct {
	One int `json:"one"`
	Two int `json:"two"`
}

func (question) MessageAlias() string { return "test.question" }

type answer struct {
	Sum     int `json:"sum"`
	Product int `json:"product"`
}

func (answer) MessageAlias() string { return "test.answer" }

type questionWithNoAnswer struct{}

func (questionWithNoAnswer) MessageAlias() string { return "test.question-no-answer" }

type questionWithNoHandler struct{}

func (questionWithNoHandler) MessageAlias() string { return "test.question-no-handler" }

var errHandler = errors.New("handler failed")

type fakeRuntime struct {
	mu       sync.Mutex
	sent     []*contracts.Envelope
	acks     []*contracts.Envelope
	failures []string
	sendErr  error
	missing  errorhandling.MissingHandler
}

func (r *fakeRuntime) Acknowledgements() errorhandling.Acknowledgements { return r }
func (r *fakeRuntime) MissingHandler() errorhandling.MissingHandler     { return r.missing }
func (r *fakeRuntime) Logger() *slog.Logger                             { return slog.Default() }

func (r *fakeRuntime) SendEnvelope(ctx context.Context, env *contracts.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRuntime) SendAcknowledgement(ctx context.Context, env *contracts.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, env)
	return nil
}

func (r *fakeRuntime) SendFailureAcknowledgement(ctx context.Context, env *contracts.Envelope, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
	return nil
}

func (r *fakeRuntime) sentEnvelopes() []*contracts.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*contracts.Envelope(nil), r.sent...)
}

type recordingCallback struct {
	mu        sync.Mutex
	completed int
	deferred  int
	moved     []error
}

func (c *recordingCallback) Complete(ctx context.Context, env *contracts.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	return nil
}

func (c *recordingCallback) Defer(ctx context.Context, env *contracts.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred++
	return nil
}

func (c *recordingCallback) MoveToErrors(ctx context.Context, env *contracts.Envelope, failure error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moved = append(c.moved, failure)
	return nil
}

func (c *recordingCallback) counts() (completed, deferred, moved int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.deferred, len(c.moved)
}

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakeBroker struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]rabbitmq.DeliveryHandler
	declared  map[string]bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers: make(map[string]rabbitmq.DeliveryHandler),
		declared: make(map[string]bool),
	}
}

func (b *fakeBroker) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{queue: queue, msg: msg})
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, queue)
	return nil
}

func (b *fakeBroker) DeclareWorkQueue(name string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared[name] = durable
	return nil
}

func (b *fakeBroker) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func (b *fakeBroker) subscribed(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[queue]
	return ok
}

// redeliver hands a published message to the consumer of its queue
func (b *fakeBroker) redeliver(p published, acker amqp.Acknowledger) {
	b.mu.Lock()
	h := b.handlers[p.queue]
	b.mu.Unlock()

	h(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Headers:      p.msg.Headers,
		Body:         p.msg.Body,
		MessageId:    p.msg.MessageId,
		ContentType:  p.msg.ContentType,
		Type:         p.msg.Type,
		ReplyTo:      p.msg.ReplyTo,
	})
}

type fakeAcker struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) acked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}
