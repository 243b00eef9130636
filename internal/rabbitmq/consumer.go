package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. The handler owns acknowledging it.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer pulls deliveries from queues
type Consumer struct {
	source        ChannelSource
	prefetchCount int
	logger        *slog.Logger

	mu        sync.Mutex
	consumers map[string]*subscription
	closed    bool
}

type subscription struct {
	ch     Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(source ChannelSource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:        source,
		prefetchCount: 10,
		logger:        slog.Default(),
		consumers:     make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming queue. Deliveries are handed to handler one at a
// time until ctx is cancelled, Unsubscribe is called or the channel closes.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConsumerClosed
	}
	if _, ok := c.consumers[queue]; ok {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: errors.New("already subscribed"), Timestamp: time.Now()}
	}

	ch, err := c.source.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{ch: ch, cancel: cancel, done: make(chan struct{})}
	c.consumers[queue] = sub

	go c.process(subCtx, queue, sub, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) process(ctx context.Context, queue string, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		c.mu.Lock()
		if c.consumers[queue] == sub {
			delete(c.consumers, queue)
		}
		c.mu.Unlock()
		c.logger.Info("consumer stopped", "queue", queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			handler(ctx, d)
		}
	}
}

// Unsubscribe stops consuming from queue
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.consumers[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}
	return c.stop(sub)
}

func (c *Consumer) stop(sub *subscription) error {
	sub.cancel()
	err := sub.ch.Close()
	<-sub.done
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Active lists the queues being consumed
func (c *Consumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.consumers))
	for q := range c.consumers {
		queues = append(queues, q)
	}
	return queues
}

// Close stops every subscription
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.consumers))
	for _, s := range c.consumers {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := c.stop(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
