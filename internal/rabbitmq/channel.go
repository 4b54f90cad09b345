package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher and consumer
// sessions use. Narrowing the surface keeps both testable without a
// broker.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(ret chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Conn is the subset of *amqp.Connection the manager owns. The dial
// function returns it so tests can substitute a fake broker link.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// DialFunc establishes one physical connection to the broker.
type DialFunc func(url string) (Conn, error)

// amqpConn adapts *amqp.Connection to the Conn interface.
type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// Dialer builds a DialFunc carrying the given AMQP client configuration
// (TLS settings, client properties, heartbeat).
func Dialer(cfg amqp.Config) DialFunc {
	return func(url string) (Conn, error) {
		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}
		return amqpConn{conn}, nil
	}
}

// defaultDial connects with library defaults.
func defaultDial(url string) (Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// ChannelSource hands out channels on the live connection. The connection
// manager is the only implementation outside tests.
type ChannelSource interface {
	Channel() (Channel, error)
	State() State
}
