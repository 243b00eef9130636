package workers

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transports"
	"golang.org/x/sync/semaphore"
)

var (
	ErrLatched     = errors.New("workers: queue is latched")
	ErrClosed      = errors.New("workers: queue is closed")
	ErrNilEnvelope = errors.New("workers: envelope cannot be nil")
)

// Pipeline processes one envelope. Handler failures are expected to be turned
// into continuations inside the pipeline; a returned error means the outcome
// could not be applied.
type Pipeline interface {
	Invoke(ctx context.Context, env *contracts.Envelope) error
}

// PipelineFunc adapts a function to Pipeline
type PipelineFunc func(ctx context.Context, env *contracts.Envelope) error

// Invoke implements Pipeline
func (f PipelineFunc) Invoke(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Queue is the contract shared by lightweight and durable worker queues
type Queue interface {
	Enqueue(ctx context.Context, env *contracts.Envelope) error
	ScheduleExecution(ctx context.Context, env *contracts.Envelope) error
	// Requeue puts an envelope that is already owned by the queue back at the
	// end of the pending set. It is accepted while latched.
	Requeue(ctx context.Context, env *contracts.Envelope) error
	QueuedCount() int
	ScheduledCount() int
	StartListening(ctx context.Context, listener transports.Listener) error
	Latch()
	Latched() bool
	Close() error
}

// LightweightQueue is an in-memory worker queue
type LightweightQueue struct {
	settings *transports.ListenerSettings
	pipeline Pipeline
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu        sync.Mutex
	pending   *list.List
	deferred  deferredSet
	seq       uint64
	busy      int
	latched   bool
	closed    bool
	listeners []transports.Listener

	wake        chan struct{}
	rescheduled chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// QueueOption configures a LightweightQueue
type QueueOption func(*LightweightQueue)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *LightweightQueue) {
		q.logger = logger
	}
}

// NewLightweightQueue creates a queue and starts dispatching to pipeline
func NewLightweightQueue(settings *transports.ListenerSettings, pipeline Pipeline, options ...QueueOption) *LightweightQueue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &LightweightQueue{
		settings:    settings,
		pipeline:    pipeline,
		logger:      slog.Default(),
		sem:         semaphore.NewWeighted(int64(settings.Parallelism())),
		pending:     list.New(),
		wake:        make(chan struct{}, 1),
		rescheduled: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range options {
		opt(q)
	}
	q.logger = q.logger.With("queue", settings.Name)

	q.loops.Add(2)
	go q.dispatch()
	go q.promote()

	return q
}

// Settings returns the endpoint configuration
func (q *LightweightQueue) Settings() *transports.ListenerSettings {
	return q.settings
}

// Enqueue adds env to the end of the pending set. A delayed envelope is held
// until its execution time instead.
func (q *LightweightQueue) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	return q.add(env, false)
}

// ScheduleExecution holds env until its execution time. Envelopes that are not
// delayed are enqueued directly.
func (q *LightweightQueue) ScheduleExecution(ctx context.Context, env *contracts.Envelope) error {
	return q.add(env, false)
}

// Requeue implements Queue
func (q *LightweightQueue) Requeue(ctx context.Context, env *contracts.Envelope) error {
	return q.add(env, true)
}

func (q *LightweightQueue) add(env *contracts.Envelope, owned bool) error {
	if env == nil {
		return ErrNilEnvelope
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.latched && !owned {
		q.mu.Unlock()
		return ErrLatched
	}

	delayed := env.IsDelayed(time.Now())
	if delayed {
		q.seq++
		q.deferred.add(deferredItem{env: env, due: *env.ExecutionTime(), seq: q.seq})
	} else {
		q.pending.PushBack(env)
	}
	q.mu.Unlock()

	if delayed {
		signal(q.rescheduled)
		q.logger.Debug("scheduled envelope", "envelopeId", env.ID, "executionTime", env.ExecutionTime())
	} else {
		signal(q.wake)
	}
	return nil
}

// QueuedCount returns the number of envelopes waiting for a worker
func (q *LightweightQueue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// ScheduledCount returns the number of envelopes waiting for their execution time
func (q *LightweightQueue) ScheduledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deferred.Len()
}

// InFlight returns the number of envelopes being processed
func (q *LightweightQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// StartListening feeds envelopes received by listener into the queue
func (q *LightweightQueue) StartListening(ctx context.Context, listener transports.Listener) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.listeners = append(q.listeners, listener)
	q.mu.Unlock()

	q.logger.Info("listening", "address", listener.Address())
	return listener.Start(ctx, transports.ReceiverFunc(q.Enqueue))
}

// Latch stops the queue from accepting new envelopes. Work already owned by
// the queue keeps flowing.
func (q *LightweightQueue) Latch() {
	q.mu.Lock()
	q.latched = true
	q.mu.Unlock()
}

// Latched reports whether the queue refuses new envelopes
func (q *LightweightQueue) Latched() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.latched
}

// Drain latches the queue and waits until nothing is pending or in flight.
// Scheduled envelopes are not waited for.
func (q *LightweightQueue) Drain(ctx context.Context) error {
	q.Latch()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		idle := q.pending.Len() == 0 && q.busy == 0
		q.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops listeners and dispatching, then waits for in-flight envelopes.
// Envelopes still pending are dropped.
func (q *LightweightQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.latched = true
	listeners := q.listeners
	q.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	q.cancel()
	q.loops.Wait()
	q.inflight.Wait()

	q.logger.Debug("queue closed")
	return errors.Join(errs...)
}

func (q *LightweightQueue) dispatch() {
	defer q.loops.Done()

	for {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return
		}
		env, ok := q.take()
		if !ok {
			q.sem.Release(1)
			return
		}

		q.inflight.Add(1)
		go q.process(env)
	}
}

// take blocks until an envelope is pending or the queue closes
func (q *LightweightQueue) take() (*contracts.Envelope, bool) {
	for {
		q.mu.Lock()
		if front := q.pending.Front(); front != nil {
			q.pending.Remove(front)
			q.busy++
			q.mu.Unlock()
			return front.Value.(*contracts.Envelope), true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

func (q *LightweightQueue) process(env *contracts.Envelope) {
	defer q.inflight.Done()
	defer q.sem.Release(1)
	defer func() {
		q.mu.Lock()
		q.busy--
		q.mu.Unlock()
	}()

	ctx := context.WithoutCancel(q.ctx)

	if env.IsExpired() {
		q.logger.Warn("discarding expired envelope", "envelopeId", env.ID, "messageType", env.MessageType)
		if env.Callback != nil {
			if err := env.Callback.Complete(ctx, env); err != nil {
				q.logger.Error("failed to complete expired envelope", "envelopeId", env.ID, "error", err)
			}
		}
		return
	}

	if err := q.pipeline.Invoke(ctx, env); err != nil {
		q.logger.Error("failed to process envelope",
			"envelopeId", env.ID,
			"messageType", env.MessageType,
			"attempts", env.Attempts,
			"error", err,
		)
	}
}

// promote moves due envelopes from the deferred set to the pending FIFO
func (q *LightweightQueue) promote() {
	defer q.loops.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		due := q.deferred.popDue(time.Now())
		for _, env := range due {
			q.pending.PushBack(env)
		}
		next, ok := q.deferred.next()
		q.mu.Unlock()

		if len(due) > 0 {
			signal(q.wake)
		}

		wait := time.Hour
		if ok {
			wait = max(time.Until(next), 0)
		}
		timer.Reset(wait)

		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
		case <-q.rescheduled:
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var (
	_ Queue = (*LightweightQueue)(nil)
	_ Queue = (*DurableQueue)(nil)
)
