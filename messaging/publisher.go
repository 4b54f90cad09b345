package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/schema"
)

// transport is the confirming publisher the message publisher sends
// through. *rabbitmq.Publisher satisfies it.
type transport interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// MessagePublisher validates, encodes, and publishes messages. Every
// message is validated against its registered schema before any delivery
// attempt; the broker never sees an invalid message. A circuit breaker in
// front of the transport sheds load fast when the broker is rejecting
// everything instead of queueing callers behind full retry cycles.
type MessagePublisher struct {
	transport transport
	registry  *schema.Registry
	signals   *SignalRegistry
	exchange  string
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// MessagePublisherOption configures the MessagePublisher.
type MessagePublisherOption func(*MessagePublisher)

// WithExchange sets the target exchange. The default is "amq.topic".
func WithExchange(exchange string) MessagePublisherOption {
	return func(p *MessagePublisher) {
		p.exchange = exchange
	}
}

// WithMessagePublisherLogger sets the logger.
func WithMessagePublisherLogger(logger *slog.Logger) MessagePublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithBreakerSettings replaces the default circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) MessagePublisherOption {
	return func(p *MessagePublisher) {
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewMessagePublisher creates a publisher over a confirming transport.
func NewMessagePublisher(t transport, registry *schema.Registry, signals *SignalRegistry, options ...MessagePublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		transport: t,
		registry:  registry,
		signals:   signals,
		exchange:  "amq.topic",
		logger:    slog.Default(),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends one message, routed by its topic. The sequence is fixed:
// pre-publish hooks run first and may mutate the message, then the schema
// headers are stamped, then the message is validated. A validation
// failure returns *ValidationError without any broker interaction and
// without firing the failure hooks. A delivery failure after retries
// fires the failure hooks and returns *PublishError with the original
// message attached.
func (p *MessagePublisher) Publish(ctx context.Context, msg contracts.Message) error {
	p.signals.emitPrePublish(msg)

	msg.GetHeaders()[contracts.HeaderSchema] = msg.GetSchema()
	msg.GetHeaders()[contracts.HeaderSchemaVersion] = int32(msg.GetSchemaVersion())

	if result := p.registry.Validate(msg); !result.Valid {
		p.logger.Warn("message rejected by schema validation",
			"messageId", msg.GetID(),
			"schema", msg.GetSchema(),
			"errors", len(result.Errors))
		return &ValidationError{
			Schema:  msg.GetSchema(),
			Message: msg,
			Errors:  result.Errors,
		}
	}

	envelope, err := contracts.Wrap(msg)
	if err != nil {
		return fmt.Errorf("messaging: encode message %s: %w", msg.GetID(), err)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("messaging: encode message %s: %w", msg.GetID(), err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.GetID(),
		Timestamp:    msg.GetTimestamp(),
		Headers:      amqp.Table(msg.GetHeaders()),
		Body:         body,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.transport.Publish(ctx, p.exchange, msg.GetTopic(), publishing)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Warn("publish short-circuited, broker is failing",
				"messageId", msg.GetID(),
				"topic", msg.GetTopic())
		}
		pubErr := &PublishError{Message: msg, Err: err, Timestamp: time.Now()}
		p.signals.emitPublishFailed(msg, pubErr)
		return pubErr
	}

	p.logger.Debug("message published",
		"messageId", msg.GetID(),
		"topic", msg.GetTopic(),
		"schema", msg.GetSchema())
	p.signals.emitPublished(msg)
	return nil
}
