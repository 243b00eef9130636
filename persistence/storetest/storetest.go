// Package storetest runs the behaviour every persistence.EnvelopeStore must
// share against a concrete implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) persistence.EnvelopeStore

// Run exercises store semantics against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("recovers persisted envelopes oldest first", func(t *testing.T) {
		store := newStore(t)

		first := envelope("first", time.Now().Add(-time.Minute))
		second := envelope("second", time.Now())
		require.NoError(t, store.Persist(ctx, second))
		require.NoError(t, store.Persist(ctx, first))

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, first.ID, pending[0].ID)
		assert.Equal(t, second.ID, pending[1].ID)
		assert.Equal(t, first.Data, pending[0].Data)
		assert.Equal(t, "local://durable/orders", pending[0].Destination)
	})

	t.Run("handled envelopes are not recovered", func(t *testing.T) {
		store := newStore(t)

		env := envelope("a", time.Now())
		require.NoError(t, store.Persist(ctx, env))
		require.NoError(t, store.MarkHandled(ctx, env.ID))

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("attempts survive recovery", func(t *testing.T) {
		store := newStore(t)

		env := envelope("a", time.Now())
		require.NoError(t, store.Persist(ctx, env))

		env.Attempts = 3
		env.ScheduleDelayed(time.Hour)
		require.NoError(t, store.UpdateAttempts(ctx, env))

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 3, pending[0].Attempts)
		require.NotNil(t, pending[0].ExecutionTime())
		assert.True(t, env.ExecutionTime().Equal(*pending[0].ExecutionTime()))
	})

	t.Run("an update without execution time clears the schedule", func(t *testing.T) {
		store := newStore(t)

		env := envelope("a", time.Now())
		env.ScheduleDelayed(time.Hour)
		require.NoError(t, store.Persist(ctx, env))

		env.Attempts = 1
		env.SetExecutionTime(time.Time{})
		require.NoError(t, store.UpdateAttempts(ctx, env))

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Nil(t, pending[0].ExecutionTime())
	})

	t.Run("updating an unknown envelope fails", func(t *testing.T) {
		store := newStore(t)

		err := store.UpdateAttempts(ctx, envelope("ghost", time.Now()))
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("dead letters leave the pending set", func(t *testing.T) {
		store := newStore(t)

		env := envelope("a", time.Now())
		require.NoError(t, store.Persist(ctx, env))
		require.NoError(t, store.MoveToDeadLetter(ctx, env, errors.New("boom")))

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		dead, err := store.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, env.ID, dead[0].Envelope.ID)
		assert.Equal(t, "boom", dead[0].ExceptionMessage)
		assert.Equal(t, "*errors.errorString", dead[0].ExceptionType)
	})

	t.Run("rejects nil envelopes", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.Persist(ctx, nil), persistence.ErrNilEnvelope)
	})
}

func envelope(tag string, sentAt time.Time) *contracts.Envelope {
	env := &contracts.Envelope{
		ID:          contracts.NewID(),
		MessageType: "orders.place",
		Data:        []byte(`{"tag":"` + tag + `"}`),
		Destination: "local://durable/orders",
		SentAt:      sentAt.UTC(),
		Status:      contracts.StatusIncoming,
		Headers:     map[string]string{"tag": tag},
	}
	return env
}
