package mmate

import (
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
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/persistence/pebble"
)

type issueInvoice struct {
	Number string `json:"number"`
}

func (issueInvoice) MessageAlias() string { return "billing.issue-invoice" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("starts a bus with handlers and middleware", func(t *testing.T) {
		handled := make(chan issueInvoice, 1)
		var wrapped atomic.Int32

		client, err := NewClientWithConfig(ctx, messaging.DefaultConfig(),
			WithLogger(quietLogger()),
			WithServiceName("billing"),
			WithMiddleware(func(ctx context.Context, env *contracts.Envelope, next messaging.Handler) (any, error) {
				wrapped.Add(1)
				return next.Handle(ctx, env)
			}),
			WithConfigure(func(o *messaging.Options) error {
				o.LocalQueue("invoices").Subscribe("billing.issue-invoice")
				return messaging.Handle(o.Handlers(), func(ctx context.Context, msg issueInvoice) error {
					handled <- msg
					return nil
				})
			}),
		)
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, client.Close(context.Background())) })

		assert.Equal(t, "billing", client.ServiceName())
		require.NoError(t, client.Send(ctx, issueInvoice{Number: "INV-1"}))

		select {
		case msg := <-handled:
			assert.Equal(t, "INV-1", msg.Number)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the handler")
		}
		assert.Equal(t, int32(1), wrapped.Load())
	})

	t.Run("reports health of the store and endpoints", func(t *testing.T) {
		client, err := NewClientWithConfig(ctx, messaging.DefaultConfig(),
			WithLogger(quietLogger()),
			WithConfigure(func(o *messaging.Options) error {
				o.LocalQueue("reports")
				return nil
			}),
			WithHealthCheckers(health.NewCheckFunc("custom", func(ctx context.Context) (health.Status, string, error) {
				return health.StatusDegraded, "warming up", nil
			})),
		)
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, client.Close(context.Background())) })

		report := client.Health(ctx)
		assert.Equal(t, health.StatusDegraded, report.Status)

		names := make([]string, 0, len(report.Checks))
		for _, c := range report.Checks {
			names = append(names, c.Name)
		}
		assert.ElementsMatch(t, []string{
			"custom",
			"destination:local://default",
			"destination:local://reports",
			"envelope_store",
		}, names)
	})

	t.Run("a supplied store stays open after Close", func(t *testing.T) {
		store := persistence.NewMemoryStore()
		client, err := NewClientWithConfig(ctx, messaging.DefaultConfig(), WithLogger(quietLogger()), WithStore(store))
		require.NoError(t, err)
		assert.Same(t, store, client.Store())

		require.NoError(t, client.Close(ctx))
		_, err = store.RecoverPending(ctx)
		assert.NoError(t, err)
	})

	t.Run("an opened store is closed with the client", func(t *testing.T) {
		cfg := messaging.DefaultConfig()
		cfg.PebbleDir = t.TempDir()

		client, err := NewClientWithConfig(ctx, cfg, WithLogger(quietLogger()))
		require.NoError(t, err)
		assert.IsType(t, &pebble.Store{}, client.Store())
		require.NoError(t, client.Close(ctx))

		reopened, err := pebble.Open(cfg.PebbleDir)
		require.NoError(t, err)
		assert.NoError(t, reopened.Close())
	})

	t.Run("configuration errors are returned", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewClientWithConfig(ctx, messaging.DefaultConfig(),
			WithLogger(quietLogger()),
			WithConfigure(func(o *messaging.Options) error { return boom }),
		)
		assert.ErrorIs(t, err, boom)

		_, err = NewClientWithConfig(ctx, messaging.DefaultConfig(),
			WithLogger(quietLogger()),
			WithServiceName(""),
			WithConfigure(func(o *messaging.Options) error {
				o.Publish("billing.unrouted")
				return nil
			}),
		)
		assert.ErrorIs(t, err, messaging.ErrInvalidOptions)
	})
}
