package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relay-go/config"
	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/rabbitmq"
	"github.com/relaymq/relay-go/messaging"
)

// loopChannel is a fake channel that confirms every publish and feeds
// deliveries to consumers.
type loopChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	confirms   chan amqp.Confirmation
	published  []amqp.Publishing
	seq        uint64
}

func newLoopChannel() *loopChannel {
	return &loopChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *loopChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *loopChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *loopChannel) Cancel(consumer string, noWait bool) error { return nil }

func (c *loopChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *loopChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *loopChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *loopChannel) Confirm(noWait bool) error { return nil }

func (c *loopChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *loopChannel) NotifyReturn(ret chan amqp.Return) chan amqp.Return { return ret }

func (c *loopChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	c.published = append(c.published, msg)
	c.seq++
	seq := c.seq
	confirms := c.confirms
	c.mu.Unlock()
	if confirms != nil {
		confirms <- amqp.Confirmation{DeliveryTag: seq, Ack: true}
	}
	return nil
}

func (c *loopChannel) Close() error { return nil }

// loopConn is a fake broker connection handing out loop channels.
type loopConn struct {
	ch     *loopChannel
	closed bool
}

func (c *loopConn) Channel() (rabbitmq.Channel, error) { return c.ch, nil }

func (c *loopConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }

func (c *loopConn) IsClosed() bool { return c.closed }

func (c *loopConn) Close() error {
	c.closed = true
	return nil
}

func newTestClient(t *testing.T) (*Client, *loopChannel) {
	t.Helper()
	ch := newLoopChannel()
	client, err := New(nil, WithDialFunc(func(url string) (rabbitmq.Conn, error) {
		return &loopConn{ch: ch}, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, ch
}

func TestNew(t *testing.T) {
	t.Run("nil config uses the defaults", func(t *testing.T) {
		client, err := New(nil)
		require.NoError(t, err)
		defer client.Close()
		assert.NotNil(t, client.Schemas())
		assert.NotNil(t, client.Signals())
		assert.False(t, client.Connected())
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.AMQP.URL = "http://not-amqp/"
		_, err := New(cfg)
		assert.Error(t, err)
	})
}

func TestClientPublish(t *testing.T) {
	t.Run("publishes a confirmed message end to end", func(t *testing.T) {
		client, ch := newTestClient(t)
		require.NoError(t, client.Connect(context.Background()))

		msg := contracts.NewMessage("user.created", map[string]interface{}{"name": "alice"})
		require.NoError(t, client.Publish(context.Background(), msg))

		ch.mu.Lock()
		require.Len(t, ch.published, 1)
		assert.Equal(t, msg.GetID(), ch.published[0].MessageId)
		ch.mu.Unlock()
	})
}

func TestClientSubscribe(t *testing.T) {
	t.Run("routes deliveries to the callback", func(t *testing.T) {
		client, ch := newTestClient(t)
		require.NoError(t, client.Connect(context.Background()))

		received := make(chan *messaging.IncomingMessage, 1)
		sub, err := client.Subscribe(context.Background(),
			messaging.Binding{Queue: "users"},
			func(ctx context.Context, msg *messaging.IncomingMessage) messaging.Decision {
				received <- msg
				return messaging.Ack
			})
		require.NoError(t, err)
		defer sub.Cancel()

		// Publish through the client and feed the wire bytes back in as a
		// delivery.
		msg := contracts.NewMessage("user.created", map[string]interface{}{"name": "bob"})
		require.NoError(t, client.Publish(context.Background(), msg))

		ch.mu.Lock()
		wire := ch.published[0]
		ch.mu.Unlock()
		ch.deliveries <- amqp.Delivery{
			Acknowledger: nopAck{},
			DeliveryTag:  1,
			Body:         wire.Body,
			Headers:      wire.Headers,
		}

		select {
		case got := <-received:
			assert.Equal(t, msg.GetID(), got.Message.GetID())
			assert.Equal(t, "bob", got.Message.GetBody()["name"])
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the callback")
		}
	})
}

func TestClientClose(t *testing.T) {
	t.Run("close is idempotent and terminal", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, client.Connect(context.Background()))

		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())
		assert.False(t, client.Connected())
		assert.ErrorIs(t, client.Connect(context.Background()), rabbitmq.ErrConnectionClosed)
	})
}

type nopAck struct{}

func (nopAck) Ack(tag uint64, multiple bool) error           { return nil }
func (nopAck) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (nopAck) Reject(tag uint64, requeue bool) error         { return nil }
