package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/rabbitmq"
	"github.com/relaymq/relay-go/schema"
)

// Decision is what a callback returns for one consumed message.
type Decision int

const (
	// Ack confirms the message was processed.
	Ack Decision = iota
	// Nack rejects the message without redelivery.
	Nack
	// Requeue rejects the message and asks the broker to redeliver it.
	Requeue
	// Drop discards the message locally, leaving its broker state alone.
	Drop
	// HaltConsumer requeues the message and stops the subscription.
	HaltConsumer
)

// Callback processes one decoded message.
type Callback func(ctx context.Context, msg *IncomingMessage) Decision

// IncomingMessage is a consumed message plus its delivery context.
type IncomingMessage struct {
	Message     *contracts.BaseMessage
	Queue       string
	Redelivered bool
	DeliveryTag uint64
	Raw         []byte
}

// Severity looks up the message's schema severity in the registry it was
// validated against.
func (m *IncomingMessage) Severity(registry *schema.Registry) contracts.Severity {
	return registry.Severity(m.Message)
}

// Binding declares one subscription: the queue, its exchange bindings,
// and flow control.
type Binding struct {
	Queue      string
	Exchange   string
	Topics     []string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// OnError receives terminal subscription errors, including ErrHalted
	// when the callback stops consumption.
	OnError func(error)
}

// Subscription is one active queue subscription.
type Subscription struct {
	queue  string
	handle *rabbitmq.BindingHandle
}

// Queue returns the subscribed queue name.
func (s *Subscription) Queue() string {
	return s.queue
}

// Outstanding returns the number of deliveries handed to the callback
// and not yet acknowledged.
func (s *Subscription) Outstanding() int {
	return s.handle.Outstanding()
}

// Cancel stops the subscription. In-flight callbacks run to completion.
func (s *Subscription) Cancel() error {
	return s.handle.Cancel()
}

// Subscriber consumes messages: it decodes the wire envelope, validates
// the body against the registered schema, and routes acknowledgment
// decisions back to the broker. Malformed or invalid messages are
// rejected without redelivery so a poison message cannot loop forever.
type Subscriber struct {
	consumers *rabbitmq.ConsumerManager
	registry  *schema.Registry
	logger    *slog.Logger
}

// SubscriberOption configures the Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a subscriber over a consumer manager.
func NewSubscriber(consumers *rabbitmq.ConsumerManager, registry *schema.Registry, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		consumers: consumers,
		registry:  registry,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Subscribe starts consuming from a queue and returns without blocking.
// The subscription survives reconnects until cancelled, the callback
// halts it, or the connection reaches its terminal state.
func (s *Subscriber) Subscribe(ctx context.Context, b Binding, cb Callback) (*Subscription, error) {
	onError := b.OnError
	handle, err := s.consumers.Bind(ctx, rabbitmq.Binding{
		Queue:       b.Queue,
		Exchange:    b.Exchange,
		RoutingKeys: b.Topics,
		Prefetch:    b.Prefetch,
		Durable:     b.Durable,
		AutoDelete:  b.AutoDelete,
		Handler:     s.handler(b.Queue, cb),
		OnError: func(err error) {
			if errors.Is(err, rabbitmq.ErrConsumerHalted) {
				err = ErrHalted
			}
			if onError != nil {
				onError(err)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{queue: b.Queue, handle: handle}, nil
}

// Consume subscribes to every binding and blocks until the context is
// cancelled or a subscription fails terminally, then cancels all
// subscriptions.
func (s *Subscriber) Consume(ctx context.Context, cb Callback, bindings ...Binding) error {
	if len(bindings) == 0 {
		return errors.New("messaging: at least one binding is required")
	}

	errCh := make(chan error, len(bindings))
	subs := make([]*Subscription, 0, len(bindings))
	var once sync.Once

	for _, b := range bindings {
		userHook := b.OnError
		b.OnError = func(err error) {
			once.Do(func() { errCh <- err })
			if userHook != nil {
				userHook(err)
			}
		}
		sub, err := s.Subscribe(ctx, b, cb)
		if err != nil {
			for _, active := range subs {
				active.Cancel()
			}
			return err
		}
		subs = append(subs, sub)
	}

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case err := <-errCh:
		cause = err
	}

	for _, sub := range subs {
		sub.Cancel()
	}
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

// handler adapts a callback into the transport-level delivery handler:
// decode, validate, invoke, translate the decision.
func (s *Subscriber) handler(queue string, cb Callback) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) rabbitmq.Decision {
		msg, err := s.decode(delivery)
		if err != nil {
			s.logger.Warn("rejecting undecodable message",
				"queue", queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", err)
			return rabbitmq.Nack
		}

		if result := s.registry.Validate(msg); !result.Valid {
			s.logger.Warn("rejecting message that failed schema validation",
				"queue", queue,
				"messageId", msg.GetID(),
				"schema", msg.GetSchema(),
				"errors", len(result.Errors))
			return rabbitmq.Nack
		}

		incoming := &IncomingMessage{
			Message:     msg,
			Queue:       queue,
			Redelivered: delivery.Redelivered,
			DeliveryTag: delivery.DeliveryTag,
			Raw:         delivery.Body,
		}

		switch cb(ctx, incoming) {
		case Ack:
			return rabbitmq.Ack
		case Nack:
			return rabbitmq.Nack
		case Requeue:
			return rabbitmq.NackRequeue
		case Drop:
			return rabbitmq.Drop
		case HaltConsumer:
			return rabbitmq.Halt
		default:
			return rabbitmq.NackRequeue
		}
	}
}

// decode parses the wire envelope and reconciles the schema headers with
// the envelope fields. Headers win: they are what the broker routed on.
func (s *Subscriber) decode(delivery amqp.Delivery) (*contracts.BaseMessage, error) {
	var envelope contracts.Envelope
	if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
		return nil, err
	}
	msg, err := envelope.Unwrap()
	if err != nil {
		return nil, err
	}
	if name, ok := delivery.Headers[contracts.HeaderSchema].(string); ok && name != "" {
		msg.Schema = name
	}
	switch v := delivery.Headers[contracts.HeaderSchemaVersion].(type) {
	case int32:
		msg.SchemaVersion = int(v)
	case int64:
		msg.SchemaVersion = int(v)
	}
	if msg.Schema == "" {
		msg.Schema = schema.BaseSchema().Name
	}
	return msg, nil
}
