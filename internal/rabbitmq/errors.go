package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected       = errors.New("rabbitmq: not connected")
	ErrConnectionClosed   = errors.New("rabbitmq: connection manager is closed")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Publisher errors
	ErrPublishTimeout = errors.New("rabbitmq: timed out waiting for publisher confirm")
	ErrPublishNacked  = errors.New("rabbitmq: broker refused the message")
	ErrReturned       = errors.New("rabbitmq: message returned as unroutable")

	// Consumer errors
	ErrConsumerCancelled  = errors.New("rabbitmq: consumer cancelled")
	ErrConsumerHalted     = errors.New("rabbitmq: consumer halted by handler")
	ErrUnknownDeliveryTag = errors.New("rabbitmq: unknown or already resolved delivery tag")
	ErrAlreadyBound       = errors.New("rabbitmq: queue already has a binding")
)

// errAlreadyConnected signals a dial that lost the install race; the
// connect loop treats it as success without notifying again.
var errAlreadyConnected = errors.New("rabbitmq: connection already installed")

// ConnectionError reports a failed connection-level operation.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Attempts  int
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports a broker rejection of the client's
// credentials or permissions. It is never retried.
type AuthenticationError struct {
	URL string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("rabbitmq authentication error for %s: %v", e.URL, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsRetryable marks authentication failures as fatal for retry policies.
func (e *AuthenticationError) IsRetryable() bool {
	return false
}

// ProtocolError reports an AMQP protocol-level failure such as a frame
// error or version mismatch. It is never retried.
type ProtocolError struct {
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rabbitmq protocol error (code %d): %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsRetryable marks protocol failures as fatal for retry policies.
func (e *ProtocolError) IsRetryable() bool {
	return false
}

// PublishError reports a failed publish after all retry attempts. Payload
// carries the message bytes intact so the caller can requeue them.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Attempts   int
	Payload    []byte
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s failed after %d attempts: %v",
		e.Exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a failed consumer-session operation.
type ConsumerError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// Classify wraps broker errors so the retry machinery can tell fatal
// failures from transient ones. Access and permission rejections become
// AuthenticationError; framing and capability failures become
// ProtocolError; everything else is returned unchanged and treated as
// transient.
func Classify(err error, url string) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return err
	}
	switch amqpErr.Code {
	case amqp.AccessRefused, amqp.NotAllowed:
		return &AuthenticationError{URL: url, Err: amqpErr}
	case amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid, amqp.UnexpectedFrame, amqp.NotImplemented:
		return &ProtocolError{Code: amqpErr.Code, Err: amqpErr}
	}
	return err
}

// IsFatal reports whether an error must stop reconnection attempts.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	var protoErr *ProtocolError
	return errors.As(err, &authErr) || errors.As(err, &protoErr)
}
