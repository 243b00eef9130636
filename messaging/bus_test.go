package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/routing"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/transports"
	rabbit "github.com/glimte/mmate-bus/transports/rabbitmq"
)

const waitFor = 5 * time.Second

// quoteRequest and quote carry no MessageAlias; their aliases live only in
// the registry the bus is built with
type quoteRequest struct {
	Items int `json:"items"`
}

type quote struct {
	Total int `json:"total"`
}

func testOptions() *Options {
	return NewOptions().
		ServiceName("test").
		WithTypes(serialization.NewTypeRegistry()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithReplyTimeout(waitFor)
}

// newTestBus builds and starts a bus configured by configure
func newTestBus(t *testing.T, configure func(o *Options)) *Bus {
	t.Helper()
	opts := testOptions()
	configure(opts)

	settings, err := opts.Build()
	require.NoError(t, err)

	b := NewBus(settings)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, b.Close(ctx))
	})
	return b
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the handler")
		var zero T
		return zero
	}
}

func TestBusSend(t *testing.T) {
	ctx := context.Background()

	t.Run("handled messages without a rule go to the default local queue", func(t *testing.T) {
		got := make(chan string, 1)
		b := newTestBus(t, func(o *Options) {
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				got <- msg.ID
				return nil
			}))
		})

		require.NoError(t, b.Send(ctx, placeOrder{ID: "1"}))
		assert.Equal(t, "1", receive(t, got))
	})

	t.Run("a sequential queue handles messages in order", func(t *testing.T) {
		var (
			mu   sync.Mutex
			seen []int
		)
		b := newTestBus(t, func(o *Options) {
			o.LocalQueue("sequenced").Sequential().Subscribe("test.sequenced")
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg sequenced) error {
				mu.Lock()
				seen = append(seen, msg.N)
				mu.Unlock()
				return nil
			}))
		})

		want := make([]int, 20)
		for i := range want {
			want[i] = i
			require.NoError(t, b.Send(ctx, sequenced{N: i}))
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == len(want)
		}, waitFor, 10*time.Millisecond)
		assert.Equal(t, want, seen)
	})

	t.Run("messages without handler or rule have no route", func(t *testing.T) {
		b := newTestBus(t, func(o *Options) {})
		assert.ErrorIs(t, b.Send(ctx, questionWithNoHandler{}), routing.ErrNoRoute)
	})

	t.Run("unknown transports are reported", func(t *testing.T) {
		b := newTestBus(t, func(o *Options) {})
		err := b.SendTo(ctx, placeOrder{}, "tcp://localhost:2000/orders")
		assert.ErrorIs(t, err, transports.ErrUnknownTransport)
	})

	t.Run("scheduled messages wait for their execution time", func(t *testing.T) {
		got := make(chan time.Time, 1)
		b := newTestBus(t, func(o *Options) {
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				got <- time.Now()
				return nil
			}))
		})

		at := time.Now().Add(100 * time.Millisecond)
		require.NoError(t, b.Schedule(ctx, placeOrder{ID: "later"}, at))
		handledAt := receive(t, got)
		assert.False(t, handledAt.Before(at.Add(-10*time.Millisecond)))
	})
}

func TestBusLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("sending requires a started bus", func(t *testing.T) {
		settings, err := testOptions().Build()
		require.NoError(t, err)
		b := NewBus(settings)

		assert.ErrorIs(t, b.Send(ctx, placeOrder{}), ErrNotStarted)
		require.NoError(t, b.Close(ctx))
		assert.ErrorIs(t, b.Start(ctx), ErrBusClosed)
	})

	t.Run("start is idempotent", func(t *testing.T) {
		b := newTestBus(t, func(o *Options) {})
		assert.NoError(t, b.Start(ctx))
	})

	t.Run("durable queues recover persisted envelopes", func(t *testing.T) {
		store := persistence.NewMemoryStore()
		require.NoError(t, store.Persist(ctx, &contracts.Envelope{
			ID:          contracts.NewID(),
			MessageType: "test.place-order",
			ContentType: serialization.ContentTypeJSON,
			Data:        []byte(`{"id":"recovered"}`),
			Destination: "local://durable/orders",
			ReceivedAt:  "local://durable/orders",
			SentAt:      time.Now().UTC(),
			Headers:     map[string]string{},
		}))

		got := make(chan string, 1)
		newTestBus(t, func(o *Options) {
			o.WithStore(store)
			o.LocalQueue("orders").Durably()
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				got <- msg.ID
				return nil
			}))
		})

		assert.Equal(t, "recovered", receive(t, got))
		require.Eventually(t, func() bool {
			pending, err := store.RecoverPending(ctx)
			return err == nil && len(pending) == 0
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("ping reaches a local queue", func(t *testing.T) {
		b := newTestBus(t, func(o *Options) {})
		assert.NoError(t, b.Ping(ctx, DefaultLocalQueue))
		assert.ErrorIs(t, b.Ping(ctx, "tcp://localhost:2000/x"), transports.ErrUnknownTransport)
	})
}

func TestBusErrorHandling(t *testing.T) {
	ctx := context.Background()

	t.Run("failures are retried and then dead lettered", func(t *testing.T) {
		store := persistence.NewMemoryStore()
		var calls atomic.Int32
		b := newTestBus(t, func(o *Options) {
			o.WithStore(store).WithErrorPolicy(errorhandling.NewErrorPolicy(errorhandling.RetryImmediately(2)))
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				calls.Add(1)
				return errHandler
			}))
		})

		require.NoError(t, b.Send(ctx, placeOrder{ID: "1"}))
		require.Eventually(t, func() bool {
			dead, err := store.DeadLetters(ctx)
			return err == nil && len(dead) == 1
		}, waitFor, 10*time.Millisecond)

		dead, err := store.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, errHandler.Error(), dead[0].ExceptionMessage)
		assert.Equal(t, 2, dead[0].Envelope.Attempts)
	})

	t.Run("a retried message can succeed", func(t *testing.T) {
		var calls atomic.Int32
		done := make(chan struct{})
		b := newTestBus(t, func(o *Options) {
			o.WithErrorPolicy(errorhandling.NewErrorPolicy(errorhandling.RetryImmediately(3)))
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				if calls.Add(1) < 3 {
					return errHandler
				}
				close(done)
				return nil
			}))
		})

		require.NoError(t, b.Send(ctx, placeOrder{ID: "1"}))
		receive(t, done)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("invoking an unhandled message runs the missing handler", func(t *testing.T) {
		var missed []string
		b := newTestBus(t, func(o *Options) {
			o.WithMissingHandler(errorhandling.MissingHandlerFunc(func(ctx context.Context, root errorhandling.Root, env *contracts.Envelope) error {
				missed = append(missed, env.MessageType)
				return nil
			}))
		})

		require.NoError(t, b.Invoke(ctx, questionWithNoHandler{}))
		assert.Equal(t, []string{"test.question-no-handler"}, missed)
	})

	t.Run("invoke returns handler errors without retrying", func(t *testing.T) {
		var calls atomic.Int32
		b := newTestBus(t, func(o *Options) {
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				calls.Add(1)
				return errHandler
			}))
		})

		assert.ErrorIs(t, b.Invoke(ctx, placeOrder{}), errHandler)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestBusRequests(t *testing.T) {
	ctx := context.Background()

	configure := func(o *Options) {
		o.LocalQueue("questions")
		require.NoError(t, Reply(o.Handlers(), func(ctx context.Context, q question) (answer, error) {
			return answer{Sum: q.One + q.Two, Product: q.One * q.Two}, nil
		}))
		require.NoError(t, Reply(o.Handlers(), func(ctx context.Context, q questionWithNoAnswer) (*answer, error) {
			return nil, nil
		}))
	}

	t.Run("Request invokes the handler inline", func(t *testing.T) {
		b := newTestBus(t, configure)

		got, err := Request[answer](ctx, b, question{One: 2, Two: 3})
		require.NoError(t, err)
		assert.Equal(t, answer{Sum: 5, Product: 6}, got)
	})

	t.Run("Request without a handler fails", func(t *testing.T) {
		b := newTestBus(t, configure)

		_, err := Request[answer](ctx, b, questionWithNoHandler{})
		assert.ErrorIs(t, err, ErrNoHandler)
		assert.ErrorIs(t, err, errorhandling.ErrOutOfRange)
	})

	t.Run("Request without a response returns the zero value", func(t *testing.T) {
		b := newTestBus(t, configure)

		got, err := Request[*answer](ctx, b, questionWithNoAnswer{})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("RequestFrom waits for the response from a queue", func(t *testing.T) {
		b := newTestBus(t, configure)

		got, err := RequestFrom[answer](ctx, b, question{One: 4, Two: 5}, "local://questions")
		require.NoError(t, err)
		assert.Equal(t, answer{Sum: 9, Product: 20}, got)
		assert.Zero(t, b.Replies().Count())
	})

	t.Run("RequestFrom resolves aliases with the bus registry", func(t *testing.T) {
		types := serialization.NewTypeRegistry()
		require.NoError(t, types.Register("pricing.quote-request", quoteRequest{}))
		require.NoError(t, types.Register("pricing.quote", quote{}))

		b := newTestBus(t, func(o *Options) {
			o.WithTypes(types).LocalQueue("quotes")
			require.NoError(t, Reply(o.Handlers(), func(ctx context.Context, q quoteRequest) (quote, error) {
				return quote{Total: q.Items + 1}, nil
			}))
		})

		got, err := RequestFrom[quote](ctx, b, quoteRequest{Items: 4}, "local://quotes")
		require.NoError(t, err)
		assert.Equal(t, quote{Total: 5}, got)
	})

	t.Run("RequestFrom is acknowledged when the handler has no response", func(t *testing.T) {
		b := newTestBus(t, configure)

		got, err := RequestFrom[answer](ctx, b, questionWithNoAnswer{}, "local://questions")
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("RequestFrom a local queue without a handler fails fast", func(t *testing.T) {
		b := newTestBus(t, configure)

		_, err := RequestFrom[answer](ctx, b, questionWithNoHandler{}, "local://questions")
		assert.ErrorIs(t, err, ErrNoHandler)
		assert.Zero(t, b.Replies().Count())
	})

	t.Run("SendAndWait without a reply type waits for the acknowledgement", func(t *testing.T) {
		var calls atomic.Int32
		b := newTestBus(t, func(o *Options) {
			o.LocalQueue("orders")
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				calls.Add(1)
				return nil
			}))
		})

		resp, err := b.SendAndWait(ctx, placeOrder{ID: "1"}, "local://orders", "")
		require.NoError(t, err)
		assert.Nil(t, resp)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("SendAndWait gives up after the timeout", func(t *testing.T) {
		opts := testOptions().WithReplyTimeout(50 * time.Millisecond)
		opts.LocalQueue("slow")
		release := make(chan struct{})
		require.NoError(t, Reply(opts.Handlers(), func(ctx context.Context, q question) (answer, error) {
			<-release
			return answer{}, nil
		}))
		settings, err := opts.Build()
		require.NoError(t, err)

		b := NewBus(settings)
		require.NoError(t, b.Start(ctx))
		defer func() {
			close(release)
			assert.NoError(t, b.Close(ctx))
		}()

		_, err = RequestFrom[answer](ctx, b, question{}, "local://slow")
		assert.ErrorIs(t, err, ErrReplyTimeout)
	})
}

func TestBusRabbitMQ(t *testing.T) {
	ctx := context.Background()
	const broker = "amqp://broker:5672"

	t.Run("sends to and consumes from broker queues", func(t *testing.T) {
		fb := newFakeBroker()
		got := make(chan string, 1)
		b := newTestBus(t, func(o *Options) {
			o.WithRabbitMQ(broker, rabbit.WithBroker(fb, fb, fb))
			o.ListenForMessagesFrom(broker + "/orders")
			o.Publish("test.place-order").To(broker + "/orders")
			require.NoError(t, Handle(o.Handlers(), func(ctx context.Context, msg placeOrder) error {
				got <- msg.ID
				return nil
			}))
		})
		assert.True(t, fb.subscribed("orders"))
		assert.True(t, fb.subscribed("test.replies"))
		assert.Equal(t, broker+"/test.replies", b.Settings().ReplyURI())

		require.NoError(t, b.Send(ctx, placeOrder{ID: "42"}))
		sent := fb.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "orders", sent[0].queue)
		assert.Equal(t, "test.place-order", sent[0].msg.Type)
		assert.Equal(t, broker+"/test.replies", sent[0].msg.ReplyTo)

		acker := &fakeAcker{}
		fb.redeliver(sent[0], acker)
		assert.Equal(t, "42", receive(t, got))
		require.Eventually(t, func() bool { return acker.acked() == 1 }, waitFor, 10*time.Millisecond)
	})

	t.Run("a remote request nobody handles is failed back to the requester", func(t *testing.T) {
		fb := newFakeBroker()
		b := newTestBus(t, func(o *Options) {
			o.WithRabbitMQ(broker, rabbit.WithBroker(fb, fb, fb))
			o.ListenForMessagesFrom(broker + "/questions")
		})

		errs := make(chan error, 1)
		go func() {
			_, err := RequestFrom[answer](ctx, b, questionWithNoHandler{}, broker+"/questions")
			errs <- err
		}()

		require.Eventually(t, func() bool { return len(fb.sent()) == 1 }, waitFor, 10*time.Millisecond)
		fb.redeliver(fb.sent()[0], &fakeAcker{})

		require.Eventually(t, func() bool { return len(fb.sent()) == 2 }, waitFor, 10*time.Millisecond)
		ack := fb.sent()[1]
		assert.Equal(t, "test.replies", ack.queue)
		assert.Equal(t, AcknowledgementAlias, ack.msg.Type)
		fb.redeliver(ack, &fakeAcker{})

		err := receive(t, errs)
		var failure *FailureAcknowledgementError
		require.ErrorAs(t, err, &failure)
		assert.Contains(t, failure.Reason, "test.question-no-handler")
		assert.ErrorIs(t, err, errorhandling.ErrOutOfRange)
	})

	t.Run("remote endpoints need a broker", func(t *testing.T) {
		opts := testOptions()
		opts.ListenForMessagesFrom(broker + "/orders")
		_, err := opts.Build()
		assert.ErrorIs(t, err, ErrInvalidOptions)
	})
}

func TestBusCloseStopsListening(t *testing.T) {
	fb := newFakeBroker()
	opts := testOptions().WithRabbitMQ("amqp://broker:5672", rabbit.WithBroker(fb, fb, fb))
	opts.ListenForMessagesFrom("amqp://broker:5672/orders")
	settings, err := opts.Build()
	require.NoError(t, err)

	b := NewBus(settings)
	require.NoError(t, b.Start(context.Background()))
	require.True(t, fb.subscribed("orders"))

	require.NoError(t, b.Close(context.Background()))
	assert.False(t, fb.subscribed("orders"))
	assert.NoError(t, b.Close(context.Background()))
}
