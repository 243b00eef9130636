package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireHeaders(t *testing.T) {
	t.Run("round trips envelope metadata", func(t *testing.T) {
		env := NewEnvelope(&placeOrder{})
		env.OriginalID = "root"
		env.ParentID = "parent"
		env.ReplyURI = "local://replies"
		env.ReplyRequested = "orders.accepted"
		env.AcceptedContentTypes = []string{"application/json", "application/xml"}
		env.ContentType = "application/json"
		env.Attempts = 3
		env.AckRequested = true
		env.DeliverWithin(time.Minute)
		env.SetHeader("tenant", "a")

		headers := WriteHeaders(env)
		decoded, err := ReadEnvelope(headers, []byte("{}"))
		require.NoError(t, err)

		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, "root", decoded.OriginalID)
		assert.Equal(t, "parent", decoded.ParentID)
		assert.Equal(t, "orders.place", decoded.MessageType)
		assert.Equal(t, env.AcceptedContentTypes, decoded.AcceptedContentTypes)
		assert.Equal(t, 3, decoded.Attempts)
		assert.True(t, decoded.AckRequested)
		assert.True(t, env.DeliverBy().Equal(*decoded.DeliverBy()))
		assert.Equal(t, map[string]string{"tenant": "a"}, decoded.Headers)
		assert.Equal(t, []byte("{}"), decoded.Data)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		_, err := ReadEnvelope(map[string]string{HeaderID: "1", HeaderAttempts: "many"}, nil)
		assert.ErrorIs(t, err, ErrMalformedHeader)

		_, err = ReadEnvelope(map[string]string{HeaderID: "1", HeaderDeliverBy: "tomorrow"}, nil)
		assert.ErrorIs(t, err, ErrMalformedHeader)
	})

	t.Run("requires an id", func(t *testing.T) {
		_, err := ReadEnvelope(map[string]string{HeaderMessageType: "x"}, nil)
		assert.ErrorIs(t, err, ErrMalformedHeader)
	})
}
