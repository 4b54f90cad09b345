package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/schema"
)

var (
	// ErrHalted is reported through a subscription's error hook when its
	// callback asked for consumption to stop.
	ErrHalted = errors.New("messaging: consumption halted by callback")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("messaging: client is closed")
)

// ValidationError reports a message that failed schema validation. The
// message is carried intact so the caller can inspect or correct it.
type ValidationError struct {
	Schema  string
	Message contracts.Message
	Errors  []schema.ValidationError
}

func (e *ValidationError) Error() string {
	details := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		details = append(details, ve.Error())
	}
	return fmt.Sprintf("messaging: message %s failed validation against schema %q: %s",
		e.Message.GetID(), e.Schema, strings.Join(details, "; "))
}

// PublishError reports a message that could not be delivered to the
// broker after all retries. Message is the original, unmodified message.
type PublishError struct {
	Message   contracts.Message
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: failed to publish message %s on topic %q: %v",
		e.Message.GetID(), e.Message.GetTopic(), e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
