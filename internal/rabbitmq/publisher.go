package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to queues through the default exchange and waits for
// the broker to confirm every message. Publishes are serialized on one
// confirm-mode channel, which is reopened after a failure.
type Publisher struct {
	source         ChannelSource
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:         source,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to queue and returns once the broker confirmed it
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.publish(ctx, queue, msg); err != nil {
		p.reset()
		return &PublishError{
			Queue:     queue,
			MessageID: msg.MessageId,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// publish must be called with p.mu held
func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if err := p.ensureChannel(); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return ErrConnectionClosed
		}
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.source.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.ch = ch
	return nil
}

// reset drops the channel so that outstanding confirmations of a failed
// publish cannot be mistaken for the next one
func (p *Publisher) reset() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Debug("failed to close publisher channel", "error", err)
		}
	}
	p.ch = nil
	p.confirms = nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.reset()
	return nil
}
