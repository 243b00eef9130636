package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	confirms   chan amqp.Confirmation
	published  []published
	declared   []string
	nack       bool
	silent     bool
	publishErr error
	deliveries chan amqp.Delivery
	closed     bool
	tag        uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) Confirm(noWait bool) error { return nil }

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{queue: key, msg: msg})
	f.tag++
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *fakeChannel) Published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
	next     func() *fakeChannel
	err      error
}

func (s *fakeSource) Channel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := newFakeChannel()
	if s.next != nil {
		ch = s.next()
	}
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *fakeSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

var errBroker = errors.New("broker unavailable")
