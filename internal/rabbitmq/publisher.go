package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/relay-go/internal/reliability"
)

// Publisher sends messages with broker confirms. It keeps one channel in
// confirm mode and serializes publishes on it, so each confirmation can
// be matched to the publish that is waiting for it. The channel is
// dropped and reopened on any failure; reconnects are handled the same
// way because the stale channel errors on first use.
type Publisher struct {
	source         ChannelSource
	policy         reliability.RetryPolicy
	confirmTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublishRetryPolicy sets the per-message retry policy.
func WithPublishRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm on one attempt.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory publishes messages as mandatory, so unroutable messages
// come back as returns instead of being silently dropped.
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher creates a confirming publisher over a channel source.
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:         source,
		policy:         reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 3),
		confirmTimeout: 10 * time.Second,
		mandatory:      true,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends one message and waits for the broker confirm, retrying
// transient failures under the publisher's policy. On final failure the
// returned error is a *PublishError carrying the payload intact.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	attempts := 0
	err := reliability.Retry(ctx, p.policy, func() error {
		attempts++
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Attempts:   attempts,
			Payload:    msg.Body,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// publishOnce performs a single publish-and-confirm round trip.
func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		p.invalidate()
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case ret, ok := <-p.returns:
		if !ok {
			p.invalidate()
			return ErrNotConnected
		}
		p.logger.Warn("message returned as unroutable",
			"exchange", ret.Exchange,
			"routingKey", ret.RoutingKey,
			"replyCode", ret.ReplyCode,
			"replyText", ret.ReplyText)
		// The confirm for a returned message still arrives; drain it so
		// the next publish does not read a stale confirmation.
		select {
		case <-p.confirms:
		case <-timer.C:
			p.invalidate()
		}
		return reliability.RetryableError{
			Err:       fmt.Errorf("%w: %s/%s: %s", ErrReturned, ret.Exchange, ret.RoutingKey, ret.ReplyText),
			Retryable: false,
		}

	case confirm, ok := <-p.confirms:
		if !ok {
			p.invalidate()
			return ErrNotConnected
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}
		return nil

	case <-timer.C:
		p.invalidate()
		return fmt.Errorf("%w after %s", ErrPublishTimeout, p.confirmTimeout)

	case <-ctx.Done():
		p.invalidate()
		return ctx.Err()
	}
}

// ensureChannel opens the cached confirm-mode channel if needed. Caller
// holds p.mu.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, err := p.source.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable confirm mode: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	p.logger.Debug("publisher channel opened in confirm mode")
	return nil
}

// invalidate drops the cached channel so the next attempt reopens it.
// Caller holds p.mu.
func (p *Publisher) invalidate() {
	if p.ch != nil {
		p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
	p.returns = nil
}

// Close releases the cached channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidate()
	return nil
}
