package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/transports"
)

// Subscriber consumes broker queues
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
}

// Listener feeds deliveries from one broker queue to a receiver. Every
// envelope carries a callback that settles its delivery.
type Listener struct {
	settings   *transports.ListenerSettings
	subscriber Subscriber
	agent      *Agent
	logger     *slog.Logger
}

// NewListener creates a listener for settings. agent publishes retries and
// error-queue copies.
func NewListener(settings *transports.ListenerSettings, subscriber Subscriber, agent *Agent, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		settings:   settings,
		subscriber: subscriber,
		agent:      agent,
		logger:     logger.With("queue", settings.Name),
	}
}

// Address implements transports.Listener
func (l *Listener) Address() string { return l.settings.URI }

// Start implements transports.Listener
func (l *Listener) Start(ctx context.Context, receiver transports.Receiver) error {
	return l.subscriber.Subscribe(ctx, l.settings.Name, func(ctx context.Context, d amqp.Delivery) {
		l.receive(ctx, d, receiver)
	})
}

func (l *Listener) receive(ctx context.Context, d amqp.Delivery, receiver transports.Receiver) {
	env, err := Decode(d)
	if err != nil {
		l.logger.Error("rejecting undecodable delivery", "messageId", d.MessageId, "error", err)
		if err := d.Reject(false); err != nil {
			l.logger.Error("failed to reject delivery", "error", err)
		}
		return
	}

	env.ReceivedAt = l.settings.URI
	env.Callback = &DeliveryCallback{delivery: d, agent: l.agent, queue: l.settings.Name, logger: l.logger}

	if err := receiver.Received(ctx, env); err != nil {
		l.logger.Warn("receiver refused envelope, returning it to the broker", "envelopeId", env.ID, "error", err)
		if err := d.Nack(false, true); err != nil {
			l.logger.Error("failed to nack delivery", "error", err)
		}
	}
}

// Close implements transports.Listener
func (l *Listener) Close() error {
	if err := l.subscriber.Unsubscribe(l.settings.Name); err != nil {
		l.logger.Debug("unsubscribe", "error", err)
	}
	return nil
}

// DeliveryCallback settles one broker delivery. The delivery is only acked
// after any copy it produces has been confirmed by the broker.
type DeliveryCallback struct {
	delivery amqp.Delivery
	agent    *Agent
	queue    string
	logger   *slog.Logger
}

// Complete implements contracts.MessageCallback
func (c *DeliveryCallback) Complete(ctx context.Context, env *contracts.Envelope) error {
	return c.delivery.Ack(false)
}

// Defer implements contracts.MessageCallback. The envelope is republished to
// its queue with the updated attempt count, now or at its execution time.
func (c *DeliveryCallback) Defer(ctx context.Context, env *contracts.Envelope) error {
	resend := func(ctx context.Context) error {
		if err := c.agent.Publish(ctx, c.queue, env); err != nil {
			if nackErr := c.delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("failed to nack delivery", "error", nackErr)
			}
			return err
		}
		return c.delivery.Ack(false)
	}

	if env.IsDelayed(time.Now()) {
		return c.agent.hold(env, resend)
	}
	return resend(ctx)
}

// MoveToErrors implements contracts.MessageCallback
func (c *DeliveryCallback) MoveToErrors(ctx context.Context, env *contracts.Envelope, failure error) error {
	errorQueue := rabbitmq.ErrorQueue(c.queue)
	if err := c.agent.Publish(ctx, errorQueue, env); err != nil {
		return fmt.Errorf("failed to move envelope %s to %s: %w", env.ID, errorQueue, err)
	}
	c.logger.Warn("envelope moved to error queue",
		"envelopeId", env.ID,
		"errorQueue", errorQueue,
		"attempts", env.Attempts,
		"error", failure,
	)
	return c.delivery.Ack(false)
}

var (
	_ transports.Listener       = (*Listener)(nil)
	_ contracts.MessageCallback = (*DeliveryCallback)(nil)
)
