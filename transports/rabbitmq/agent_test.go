package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/persistence"
)

func TestAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes to the queue named by the destination", func(t *testing.T) {
		pub := &fakePublisher{}
		agent := NewAgent("amqp://broker/orders", pub)

		env := newOutgoing(t)
		env.ReplyURI = ""
		require.NoError(t, agent.EnqueueOutgoing(ctx, env))

		sent := pub.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "orders", sent[0].queue)
		assert.Equal(t, amqp.Transient, sent[0].msg.DeliveryMode)
		assert.Equal(t, "local://replies", env.ReplyURI)
		assert.False(t, agent.SupportsNativeScheduledSend())
	})

	t.Run("holds delayed envelopes until due", func(t *testing.T) {
		pub := &fakePublisher{}
		agent := NewAgent("amqp://broker/orders", pub)

		env := newOutgoing(t)
		env.SetExecutionTime(time.Now().Add(50 * time.Millisecond))
		require.NoError(t, agent.EnqueueOutgoing(ctx, env))
		assert.Empty(t, pub.Sent())
		assert.Equal(t, 1, agent.Held())

		assert.Eventually(t, func() bool { return len(pub.Sent()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return agent.Held() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("drops held envelopes on close", func(t *testing.T) {
		pub := &fakePublisher{}
		agent := NewAgent("amqp://broker/orders", pub)

		env := newOutgoing(t)
		env.SetExecutionTime(time.Now().Add(time.Hour))
		require.NoError(t, agent.EnqueueOutgoing(ctx, env))
		require.NoError(t, agent.Close())
		assert.Zero(t, agent.Held())
		assert.Error(t, agent.EnqueueOutgoing(ctx, env))
	})

	t.Run("latches while the circuit is open", func(t *testing.T) {
		pub := &fakePublisher{}
		pub.fail(errBroker)
		breaker := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Hour))
		agent := NewAgent("amqp://broker/orders", pub, WithBreaker(breaker))

		assert.ErrorIs(t, agent.EnqueueOutgoing(ctx, newOutgoing(t)), errBroker)
		assert.False(t, agent.Latched())
		assert.ErrorIs(t, agent.EnqueueOutgoing(ctx, newOutgoing(t)), errBroker)
		assert.True(t, agent.Latched())
		assert.ErrorIs(t, agent.EnqueueOutgoing(ctx, newOutgoing(t)), reliability.ErrCircuitOpen)

		agent.Unlatch()
		assert.False(t, agent.Latched())
	})

	t.Run("durable agents store and forward", func(t *testing.T) {
		pub := &fakePublisher{}
		store := persistence.NewMemoryStore()
		agent := NewAgent("amqp://broker/durable/orders", pub, WithStore(store))
		require.True(t, agent.IsDurable())

		env := newOutgoing(t)
		require.NoError(t, agent.StoreAndForward(ctx, env))

		sent := pub.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, amqp.Persistent, sent[0].msg.DeliveryMode)
		assert.Equal(t, contracts.StatusOutgoing, env.Status)

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("durable agents keep unconfirmed envelopes", func(t *testing.T) {
		pub := &fakePublisher{}
		pub.fail(errBroker)
		store := persistence.NewMemoryStore()
		agent := NewAgent("amqp://broker/durable/orders", pub, WithStore(store))

		env := newOutgoing(t)
		assert.ErrorIs(t, agent.StoreAndForward(ctx, env), errBroker)

		pending, err := store.RecoverPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, env.ID, pending[0].ID)
	})
}
