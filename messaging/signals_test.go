package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymq/relay-go/contracts"
)

func TestSignalRegistry(t *testing.T) {
	t.Run("hooks run in registration order", func(t *testing.T) {
		s := NewSignalRegistry(nil)
		var order []string
		s.OnPrePublish(func(msg contracts.Message) { order = append(order, "first") })
		s.OnPrePublish(func(msg contracts.Message) { order = append(order, "second") })

		s.emitPrePublish(contracts.NewMessage("t", nil))

		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("pre-publish hooks may mutate the message", func(t *testing.T) {
		s := NewSignalRegistry(nil)
		s.OnPrePublish(func(msg contracts.Message) {
			msg.GetHeaders()["trace-id"] = "abc"
		})

		msg := contracts.NewMessage("t", nil)
		s.emitPrePublish(msg)

		assert.Equal(t, "abc", msg.GetHeaders()["trace-id"])
	})

	t.Run("a panicking hook does not break the others", func(t *testing.T) {
		s := NewSignalRegistry(nil)
		ran := false
		s.OnPublished(func(msg contracts.Message) { panic("boom") })
		s.OnPublished(func(msg contracts.Message) { ran = true })

		s.emitPublished(contracts.NewMessage("t", nil))

		assert.True(t, ran)
	})

	t.Run("failure hooks receive the message and error", func(t *testing.T) {
		s := NewSignalRegistry(nil)
		var gotMsg contracts.Message
		var gotErr error
		s.OnPublishFailed(func(msg contracts.Message, err error) {
			gotMsg = msg
			gotErr = err
		})

		msg := contracts.NewMessage("t", nil)
		cause := errors.New("broker down")
		s.emitPublishFailed(msg, cause)

		assert.Equal(t, msg, gotMsg)
		assert.Equal(t, cause, gotErr)
	})
}
