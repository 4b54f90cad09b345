// Package messaging is the high-level publish/subscribe API. It layers
// schema validation, envelope encoding, and lifecycle signals over the
// transport machinery in internal/rabbitmq.
package messaging
