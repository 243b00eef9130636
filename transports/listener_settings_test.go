package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerSettings(t *testing.T) {
	t.Run("local queues are lower-cased and lightweight", func(t *testing.T) {
		s := LocalQueue("Orders")

		assert.Equal(t, "orders", s.Name)
		assert.Equal(t, "local://orders", s.URI)
		assert.False(t, s.IsDurable)
		assert.Equal(t, DefaultParallelism, s.MaxParallelism)
	})

	t.Run("fluent calls return the same settings", func(t *testing.T) {
		s := LocalQueue("orders")

		same := s.Sequential().Durably()

		assert.Same(t, s, same)
		assert.Equal(t, 1, s.MaxParallelism)
		assert.True(t, s.IsDurable)
		assert.Equal(t, "local://durable/orders", s.URI)
	})

	t.Run("lightweight reverts a durable local queue", func(t *testing.T) {
		s := LocalQueue("orders").Durably().Lightweight()

		assert.False(t, s.IsDurable)
		assert.Equal(t, "local://orders", s.URI)
	})

	t.Run("maximum threads never drops below one", func(t *testing.T) {
		assert.Equal(t, 8, LocalQueue("a").MaximumThreads(8).Parallelism())
		assert.Equal(t, 1, LocalQueue("a").MaximumThreads(0).Parallelism())
	})

	t.Run("settings from an address derive durability and name", func(t *testing.T) {
		s, err := NewListenerSettings("local://durable/Two")
		require.NoError(t, err)

		assert.True(t, s.IsDurable)
		assert.Equal(t, "two", s.Name)

		s, err = NewListenerSettings("amqp://broker:5672/orders")
		require.NoError(t, err)
		assert.False(t, s.IsDurable)
		assert.Equal(t, "orders", s.Name)
	})

	t.Run("subscriptions accumulate", func(t *testing.T) {
		s := LocalQueue("a").Subscribe("orders.place").Subscribe("orders.cancel", "application/xml")

		require.Len(t, s.Subscriptions, 2)
		assert.Equal(t, []string{"application/xml"}, s.Subscriptions[1].ContentTypes)
	})

	t.Run("rejects invalid addresses", func(t *testing.T) {
		_, err := NewListenerSettings("")
		assert.Error(t, err)
	})
}
