package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/internal/rabbitmq"
)

type sent struct {
	queue string
	msg   amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sent{queue: queue, msg: msg})
	return nil
}

func (p *fakePublisher) Sent() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

func (p *fakePublisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]rabbitmq.DeliveryHandler
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]rabbitmq.DeliveryHandler)
	}
	s.handlers[queue] = handler
	return nil
}

func (s *fakeSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, queue)
	return nil
}

func (s *fakeSubscriber) deliver(queue string, d amqp.Delivery) {
	s.mu.Lock()
	h := s.handlers[queue]
	s.mu.Unlock()
	h(context.Background(), d)
}

type fakeDeclarer struct {
	declared map[string]bool
}

func (d *fakeDeclarer) DeclareWorkQueue(name string, durable bool) error {
	if d.declared == nil {
		d.declared = make(map[string]bool)
	}
	d.declared[name] = durable
	return nil
}

type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	requeue bool
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
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) counts() (acks, nacks, rejects int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.rejects
}

var errBroker = errors.New("broker unavailable")
