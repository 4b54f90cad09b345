package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Run("fills identity and defaults", func(t *testing.T) {
		msg := NewMessage("user.created", map[string]interface{}{"name": "alice"})

		assert.NotEmpty(t, msg.GetID())
		assert.Equal(t, "user.created", msg.GetTopic())
		assert.Equal(t, "base.message", msg.GetSchema())
		assert.Equal(t, 1, msg.GetSchemaVersion())
		assert.WithinDuration(t, time.Now(), msg.GetTimestamp(), time.Second)
		assert.Equal(t, "alice", msg.GetBody()["name"])
	})

	t.Run("two messages get distinct ids", func(t *testing.T) {
		a := NewMessage("t", nil)
		b := NewMessage("t", nil)
		assert.NotEqual(t, a.GetID(), b.GetID())
	})

	t.Run("nil body becomes an empty body", func(t *testing.T) {
		msg := NewMessage("t", nil)
		assert.NotNil(t, msg.GetBody())
	})

	t.Run("headers are settable", func(t *testing.T) {
		msg := NewMessage("t", nil)
		msg.SetHeader("trace-id", "abc")
		assert.Equal(t, "abc", msg.GetHeaders()["trace-id"])
	})
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "warning", SeverityWarning.String())

	s, err := ParseSeverity("error")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, s)

	_, err = ParseSeverity("catastrophic")
	assert.Error(t, err)
}

func TestEnvelope(t *testing.T) {
	t.Run("round trip preserves the message", func(t *testing.T) {
		msg := NewMessage("user.created", map[string]interface{}{
			"name":  "alice",
			"count": float64(3),
		})
		msg.SetHeader(HeaderSchema, msg.GetSchema())

		env, err := Wrap(msg)
		require.NoError(t, err)

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var decoded Envelope
		require.NoError(t, json.Unmarshal(data, &decoded))
		got, err := decoded.Unwrap()
		require.NoError(t, err)

		assert.Equal(t, msg.GetID(), got.GetID())
		assert.Equal(t, msg.GetTopic(), got.GetTopic())
		assert.Equal(t, msg.GetSchema(), got.GetSchema())
		assert.Equal(t, msg.GetBody(), got.GetBody())
		assert.Equal(t, msg.GetTimestamp().Truncate(time.Second).UTC(), got.GetTimestamp().UTC())
	})

	t.Run("unwrap rejects a malformed body", func(t *testing.T) {
		env := &Envelope{ID: "x", Body: json.RawMessage(`{not json`)}
		_, err := env.Unwrap()
		assert.Error(t, err)
	})

	t.Run("unwrap tolerates a missing timestamp", func(t *testing.T) {
		env := &Envelope{ID: "x", Body: json.RawMessage(`{}`)}
		msg, err := env.Unwrap()
		require.NoError(t, err)
		assert.True(t, msg.GetTimestamp().IsZero())
	})
}
