package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

func TestFiltering(t *testing.T) {
	ctx := context.Background()
	onlyAudit := MessageTypes("audit.entry")

	t.Run("accepted envelopes reach the handler", func(t *testing.T) {
		var calls atomic.Int32
		_, err := Filtering(MessageTypes("ship.order"), SkipWithError, nil)(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("skipped silently", func(t *testing.T) {
		var calls atomic.Int32
		result, err := Filtering(onlyAudit, SkipSilently, nil)(ctx, testEnvelope(), handlerReturning(&calls, "x", nil))
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Zero(t, calls.Load())
	})

	t.Run("skipped with a permanent error", func(t *testing.T) {
		var calls atomic.Int32
		_, err := Filtering(onlyAudit, SkipWithError, nil)(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
		assert.ErrorIs(t, err, ErrFiltered)
		assert.False(t, reliability.IsRetryableError(err))
	})

	t.Run("skipped with a log line", func(t *testing.T) {
		var buf bytes.Buffer
		var calls atomic.Int32
		_, err := Filtering(onlyAudit, SkipWithLog, slog.New(slog.NewTextHandler(&buf, nil)))(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "message skipped by filter")
	})

	t.Run("filter errors are returned", func(t *testing.T) {
		broken := FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
			return false, errBoom
		})
		var calls atomic.Int32
		_, err := Filtering(broken, SkipSilently, nil)(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
		assert.ErrorIs(t, err, errBoom)
	})
}

func TestFilterCombinators(t *testing.T) {
	ctx := context.Background()
	env := testEnvelope()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"message type matches", MessageTypes("a", "ship.order"), true},
		{"message type differs", MessageTypes("a"), false},
		{"header matches", HeaderEquals("tenant", "acme"), true},
		{"header differs", HeaderEquals("tenant", "other"), false},
		{"missing header", HeaderEquals("region", ""), false},
		{"source matches", FromSource("orders"), true},
		{"all accept", All(MessageTypes("ship.order"), FromSource("orders")), true},
		{"one of all rejects", All(MessageTypes("ship.order"), FromSource("billing")), false},
		{"any accepts", Any(FromSource("billing"), FromSource("orders")), true},
		{"none accept", Any(FromSource("billing")), false},
		{"not inverts", Not(FromSource("billing")), true},
		{"empty all accepts", All(), true},
		{"empty any rejects", Any(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.ShouldProcess(ctx, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("not keeps filter errors", func(t *testing.T) {
		broken := FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
			return true, errBoom
		})
		ok, err := Not(broken).ShouldProcess(ctx, env)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, errBoom))
	})
}

func TestWhen(t *testing.T) {
	ctx := context.Background()
	var wrapped atomic.Int32
	counting := func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
		wrapped.Add(1)
		return next.Handle(ctx, env)
	}
	mw := When(HeaderEquals("tenant", "acme"), counting)

	var calls atomic.Int32
	_, err := mw(ctx, testEnvelope(), handlerReturning(&calls, nil, nil))
	require.NoError(t, err)

	other := testEnvelope()
	other.Headers["tenant"] = "globex"
	_, err = mw(ctx, other, handlerReturning(&calls, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, int32(1), wrapped.Load())
	assert.Equal(t, int32(2), calls.Load())
}
