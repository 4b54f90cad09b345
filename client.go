// Package relay is a reliable AMQP publish/subscribe client. It keeps one
// supervised broker connection, replays subscriptions across reconnects,
// publishes with broker confirms, and validates every message against a
// schema registry on both ends.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/relay-go/config"
	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/rabbitmq"
	"github.com/relaymq/relay-go/messaging"
	"github.com/relaymq/relay-go/schema"
)

// Client is the top-level entry point. Create one with New, call Connect,
// then Publish and Subscribe freely from any goroutine.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	conns      *rabbitmq.ConnectionManager
	consumers  *rabbitmq.ConsumerManager
	publisher  *messaging.MessagePublisher
	subscriber *messaging.Subscriber
	registry   *schema.Registry
	signals    *messaging.SignalRegistry
	dispatcher *messaging.PoolDispatcher

	closeOnce sync.Once
}

// Option configures the Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger   *slog.Logger
	registry *schema.Registry
	dial     rabbitmq.DialFunc
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithSchemaRegistry replaces the default schema registry. Register
// message schemas on it before publishing or consuming.
func WithSchemaRegistry(registry *schema.Registry) Option {
	return func(o *clientOptions) {
		o.registry = registry
	}
}

// WithDialFunc replaces the broker dial function.
func WithDialFunc(dial rabbitmq.DialFunc) Option {
	return func(o *clientOptions) {
		o.dial = dial
	}
}

// New builds a client from configuration. A nil config uses the defaults.
// It does not connect; call Connect.
func New(cfg *config.Config, options ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: invalid configuration: %w", err)
	}

	var opts clientOptions
	for _, opt := range options {
		opt(&opts)
	}

	logger := opts.logger
	if logger == nil {
		logger = newLogger(cfg.Log)
	}
	registry := opts.registry
	if registry == nil {
		registry = schema.NewRegistry()
	}

	dial := opts.dial
	if dial == nil {
		tlsCfg, err := cfg.AMQP.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		properties := amqp.Table{}
		for k, v := range cfg.AMQP.ClientProperties {
			properties[k] = v
		}
		dial = rabbitmq.Dialer(amqp.Config{
			Heartbeat:       cfg.AMQP.Heartbeat,
			TLSClientConfig: tlsCfg,
			Properties:      properties,
		})
	}

	conns := rabbitmq.NewConnectionManager(cfg.AMQP.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialFunc(dial),
		rabbitmq.WithDialTimeout(cfg.AMQP.DialTimeout),
		rabbitmq.WithReconnectPolicy(cfg.Reconnect.Policy()),
	)

	dispatcher, err := messaging.NewPoolDispatcher(cfg.Consume.DispatchWorkers)
	if err != nil {
		return nil, fmt.Errorf("relay: create dispatcher: %w", err)
	}

	consumers := rabbitmq.NewConsumerManager(conns,
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithExecutor(dispatcher),
		rabbitmq.WithDefaultPrefetch(cfg.Consume.PrefetchCount),
	)
	conns.AddStateListener(consumers)

	signals := messaging.NewSignalRegistry(logger)
	confirming := rabbitmq.NewPublisher(conns,
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithPublishRetryPolicy(cfg.Publish.Retry.Policy()),
		rabbitmq.WithConfirmTimeout(cfg.Publish.ConfirmTimeout),
		rabbitmq.WithMandatory(cfg.Publish.Mandatory),
	)

	return &Client{
		cfg:    cfg,
		logger: logger,
		conns:  conns,

		consumers: consumers,
		publisher: messaging.NewMessagePublisher(confirming, registry, signals,
			messaging.WithExchange(cfg.Publish.Exchange),
			messaging.WithMessagePublisherLogger(logger),
		),
		subscriber: messaging.NewSubscriber(consumers, registry,
			messaging.WithSubscriberLogger(logger),
		),
		registry:   registry,
		signals:    signals,
		dispatcher: dispatcher,
	}, nil
}

// Connect establishes the broker connection, retrying under the
// configured reconnect policy.
func (c *Client) Connect(ctx context.Context) error {
	return c.conns.Connect(ctx)
}

// Publish validates and sends one message, routed by its topic, and
// waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, msg contracts.Message) error {
	return c.publisher.Publish(ctx, msg)
}

// Subscribe starts consuming from a queue without blocking.
func (c *Client) Subscribe(ctx context.Context, binding messaging.Binding, cb messaging.Callback) (*messaging.Subscription, error) {
	return c.subscriber.Subscribe(ctx, binding, cb)
}

// Consume blocks on the given bindings, or on the configured bindings
// when none are passed, until the context is cancelled or a subscription
// fails terminally.
func (c *Client) Consume(ctx context.Context, cb messaging.Callback, bindings ...messaging.Binding) error {
	if len(bindings) == 0 {
		bindings = c.configuredBindings()
	}
	return c.subscriber.Consume(ctx, cb, bindings...)
}

// Run connects and then consumes the configured bindings until the
// context is cancelled.
func (c *Client) Run(ctx context.Context, cb messaging.Callback) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Consume(ctx, cb)
}

func (c *Client) configuredBindings() []messaging.Binding {
	bindings := make([]messaging.Binding, 0, len(c.cfg.Consume.Bindings))
	for _, b := range c.cfg.Consume.Bindings {
		bindings = append(bindings, messaging.Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			Topics:     b.RoutingKeys,
			Prefetch:   c.cfg.Consume.PrefetchCount,
			Durable:    b.Durable,
			AutoDelete: b.AutoDelete,
		})
	}
	return bindings
}

// Signals returns the publish lifecycle hook registry.
func (c *Client) Signals() *messaging.SignalRegistry {
	return c.signals
}

// Schemas returns the schema registry.
func (c *Client) Schemas() *schema.Registry {
	return c.registry
}

// Connected reports whether the broker connection is live.
func (c *Client) Connected() bool {
	return c.conns.IsConnected()
}

// Close shuts the client down: the connection manager reaches its
// terminal state, subscriptions are cancelled, and the dispatch pool
// drains.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conns.Close()
		c.dispatcher.Release()
	})
	return err
}

// newLogger builds a slog logger from the log configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
