package interceptors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/serialization"
)

var errBoom = errors.New("boom")

func testEnvelope() *contracts.Envelope {
	return &contracts.Envelope{
		ID:          "msg-1",
		MessageType: "ship.order",
		Source:      "orders",
		Headers:     map[string]string{"tenant": "acme"},
	}
}

// handlerReturning counts its calls and returns result and err
func handlerReturning(calls *atomic.Int32, result any, err error) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
		calls.Add(1)
		return result, err
	})
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) messaging.Middleware {
		return func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
			order = append(order, name+">")
			result, err := next.Handle(ctx, env)
			order = append(order, "<"+name)
			return result, err
		}
	}

	var calls atomic.Int32
	result, err := Chain(mw("a"), mw("b"))(context.Background(), testEnvelope(), handlerReturning(&calls, "done", nil))
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, []string{"a>", "b>", "<b", "<a"}, order)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogging(t *testing.T) {
	ctx := context.Background()

	t.Run("logs failures with the message type", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		var calls atomic.Int32

		_, err := Logging(logger)(ctx, testEnvelope(), handlerReturning(&calls, nil, errBoom))
		assert.ErrorIs(t, err, errBoom)
		assert.Contains(t, buf.String(), "message handler failed")
		assert.Contains(t, buf.String(), "messageType=ship.order")
	})

	t.Run("passes the result through", func(t *testing.T) {
		var calls atomic.Int32
		result, err := Logging(nil)(ctx, testEnvelope(), handlerReturning(&calls, 42, nil))
		require.NoError(t, err)
		assert.Equal(t, 42, result)
	})
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	counters := NewCounters()
	var calls atomic.Int32

	_, err := Metrics(counters)(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
	require.NoError(t, err)
	_, err = Metrics(counters)(ctx, testEnvelope(), handlerReturning(&calls, nil, errBoom))
	require.ErrorIs(t, err, errBoom)

	stats := counters.Snapshot()["ship.order"]
	assert.Equal(t, 2, stats.Handled)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, stats.TotalTime/2, stats.Average())
	assert.Zero(t, TypeStats{}.Average())
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	requireTenant := ValidatorFunc(func(ctx context.Context, env *contracts.Envelope) error {
		if env.Headers["tenant"] == "" {
			return errors.New("missing tenant")
		}
		return nil
	})

	t.Run("valid envelopes reach the handler", func(t *testing.T) {
		var calls atomic.Int32
		_, err := Validation(requireTenant)(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("invalid envelopes fail permanently", func(t *testing.T) {
		env := testEnvelope()
		env.Headers = nil
		var calls atomic.Int32

		_, err := Validation(requireTenant)(ctx, env, handlerReturning(&calls, nil, nil))
		assert.ErrorIs(t, err, ErrValidation)
		assert.False(t, reliability.IsRetryableError(err))
		assert.Zero(t, calls.Load())
	})
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("a slow handler times out", func(t *testing.T) {
		slow := messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		_, err := Timeout(10*time.Millisecond)(ctx, testEnvelope(), slow)
		assert.ErrorIs(t, err, ErrHandlerTimeout)
	})

	t.Run("a fast handler returns its result", func(t *testing.T) {
		var calls atomic.Int32
		result, err := Timeout(time.Second)(ctx, testEnvelope(), handlerReturning(&calls, "ok", nil))
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
	})

	t.Run("cancellation is not reported as a timeout", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		slow := messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		})
		_, err := Timeout(time.Second)(cctx, testEnvelope(), slow)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrHandlerTimeout)
	})
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	mw := CircuitBreaker(NewBreaker("ship", 2, time.Minute))
	var calls atomic.Int32
	failing := handlerReturning(&calls, nil, errBoom)

	for i := 0; i < 2; i++ {
		_, err := mw(ctx, testEnvelope(), failing)
		require.ErrorIs(t, err, errBoom)
	}

	_, err := mw(ctx, testEnvelope(), failing)
	assert.True(t, IsCircuitOpen(err))
	assert.True(t, reliability.IsRetryableError(err))
	assert.Equal(t, int32(2), calls.Load())
}

type shipOrder struct {
	ID string `json:"id"`
}

func (shipOrder) MessageAlias() string { return "ship.order" }

func TestMiddlewareOnBus(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	counters := NewCounters()
	var calls atomic.Int32

	opts := messaging.NewOptions().
		ServiceName("test").
		WithTypes(serialization.NewTypeRegistry()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithStore(store).
		Use(
			Metrics(counters),
			Validation(ValidatorFunc(func(ctx context.Context, env *contracts.Envelope) error {
				return errors.New("always invalid")
			})),
		)
	require.NoError(t, messaging.Handle(opts.Handlers(), func(ctx context.Context, msg shipOrder) error {
		calls.Add(1)
		return nil
	}))

	settings, err := opts.Build()
	require.NoError(t, err)
	bus := messaging.NewBus(settings)
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() {
		assert.NoError(t, bus.Close(context.Background()))
	})

	require.NoError(t, bus.Send(ctx, shipOrder{ID: "1"}))
	require.Eventually(t, func() bool {
		dead, err := store.DeadLetters(ctx)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, dead[0].Envelope.Attempts)
	assert.Contains(t, dead[0].ExceptionMessage, "always invalid")
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, counters.Snapshot()["ship.order"].Errors)
}
