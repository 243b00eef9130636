package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/transports"
)

// DurableQueue persists envelopes through an EnvelopeStore before the
// dispatcher can see them. Envelopes stay in the store until the pipeline
// completes or dead-letters them, so a crash redelivers them on Recover.
type DurableQueue struct {
	queue  *LightweightQueue
	store  persistence.EnvelopeStore
	logger *slog.Logger
}

// NewDurableQueue creates a durable queue on top of store
func NewDurableQueue(settings *transports.ListenerSettings, pipeline Pipeline, store persistence.EnvelopeStore, options ...QueueOption) *DurableQueue {
	q := NewLightweightQueue(settings, pipeline, options...)
	return &DurableQueue{
		queue:  q,
		store:  store,
		logger: q.logger,
	}
}

// Store returns the backing envelope store
func (q *DurableQueue) Store() persistence.EnvelopeStore {
	return q.store
}

// Settings returns the endpoint configuration
func (q *DurableQueue) Settings() *transports.ListenerSettings {
	return q.queue.Settings()
}

// Enqueue persists env, then makes it visible to the dispatcher
func (q *DurableQueue) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if q.queue.Latched() {
		return ErrLatched
	}

	env.Status = contracts.StatusIncoming
	if err := q.store.Persist(ctx, env); err != nil {
		return fmt.Errorf("failed to persist envelope %s: %w", env.ID, err)
	}
	return q.queue.Enqueue(ctx, env)
}

// ScheduleExecution persists env as scheduled, then holds it until due
func (q *DurableQueue) ScheduleExecution(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if q.queue.Latched() {
		return ErrLatched
	}

	env.Status = contracts.StatusScheduled
	if err := q.store.Persist(ctx, env); err != nil {
		return fmt.Errorf("failed to persist envelope %s: %w", env.ID, err)
	}
	return q.queue.ScheduleExecution(ctx, env)
}

// Requeue records the new attempt count before the envelope rejoins the queue
func (q *DurableQueue) Requeue(ctx context.Context, env *contracts.Envelope) error {
	if env.IsDelayed(time.Now()) {
		env.Status = contracts.StatusScheduled
	} else {
		env.Status = contracts.StatusIncoming
	}
	if err := q.store.UpdateAttempts(ctx, env); err != nil {
		return fmt.Errorf("failed to update envelope %s: %w", env.ID, err)
	}
	return q.queue.Requeue(ctx, env)
}

// Complete removes a handled envelope from the store
func (q *DurableQueue) Complete(ctx context.Context, env *contracts.Envelope) error {
	env.Status = contracts.StatusHandled
	return q.store.MarkHandled(ctx, env.ID)
}

// MoveToErrors dead-letters env in the store
func (q *DurableQueue) MoveToErrors(ctx context.Context, env *contracts.Envelope, failure error) error {
	return q.store.MoveToDeadLetter(ctx, env, failure)
}

// Recover reloads the unhandled envelopes addressed to this queue. bind is
// called for each envelope before it becomes visible, typically to attach a
// callback.
func (q *DurableQueue) Recover(ctx context.Context, bind func(*contracts.Envelope)) (int, error) {
	pending, err := q.store.RecoverPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to recover envelopes: %w", err)
	}

	name := q.Settings().Name
	recovered := 0
	for _, env := range pending {
		// outgoing envelopes belong to the sending agent of a remote transport
		if env.Status == contracts.StatusOutgoing || env.Queue() != name {
			continue
		}
		if bind != nil {
			bind(env)
		}
		if err := q.queue.Requeue(ctx, env); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("recovered envelopes", "count", recovered)
	}
	return recovered, nil
}

// QueuedCount implements Queue
func (q *DurableQueue) QueuedCount() int { return q.queue.QueuedCount() }

// ScheduledCount implements Queue
func (q *DurableQueue) ScheduledCount() int { return q.queue.ScheduledCount() }

// StartListening implements Queue. Received envelopes are persisted before
// they are acknowledged to the listener.
func (q *DurableQueue) StartListening(ctx context.Context, listener transports.Listener) error {
	q.queue.mu.Lock()
	q.queue.listeners = append(q.queue.listeners, listener)
	q.queue.mu.Unlock()

	q.logger.Info("listening durably", "address", listener.Address())
	return listener.Start(ctx, transports.ReceiverFunc(q.Enqueue))
}

// Latch implements Queue
func (q *DurableQueue) Latch() { q.queue.Latch() }

// Latched implements Queue
func (q *DurableQueue) Latched() bool { return q.queue.Latched() }

// Drain waits until nothing is pending or in flight
func (q *DurableQueue) Drain(ctx context.Context) error { return q.queue.Drain(ctx) }

// Close implements Queue. Unhandled envelopes remain in the store.
func (q *DurableQueue) Close() error { return q.queue.Close() }
