// Package rabbitmq implements the AMQP transport layer: the connection
// manager with its reconnection state machine, consumer sessions with
// acknowledgment-based flow control, and the confirming publisher.
package rabbitmq
