package contracts

import (
	"time"

	"github.com/google/uuid"
)

// BaseMessage is the default Message implementation. Schema packages embed
// it and override GetSchema to bind a message type to its validator.
type BaseMessage struct {
	ID            string                 `json:"id"`
	Topic         string                 `json:"topic"`
	Timestamp     time.Time              `json:"timestamp"`
	Schema        string                 `json:"schema,omitempty"`
	SchemaVersion int                    `json:"schemaVersion,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          map[string]interface{} `json:"body"`
}

// NewMessage creates a message on the given topic with a generated ID and
// the current UTC timestamp. A nil body is replaced with an empty one.
func NewMessage(topic string, body map[string]interface{}) *BaseMessage {
	if body == nil {
		body = make(map[string]interface{})
	}
	return &BaseMessage{
		ID:            uuid.New().String(),
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		Schema:        "base.message",
		SchemaVersion: 1,
		Headers:       make(map[string]interface{}),
		Body:          body,
	}
}

// GetID returns the message ID.
func (m *BaseMessage) GetID() string {
	return m.ID
}

// GetTopic returns the routing topic.
func (m *BaseMessage) GetTopic() string {
	return m.Topic
}

// GetTimestamp returns the creation timestamp.
func (m *BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetSchema returns the schema identifier used to validate the body.
func (m *BaseMessage) GetSchema() string {
	return m.Schema
}

// GetSchemaVersion returns the schema version.
func (m *BaseMessage) GetSchemaVersion() int {
	return m.SchemaVersion
}

// GetHeaders returns the mutable header map.
func (m *BaseMessage) GetHeaders() map[string]interface{} {
	if m.Headers == nil {
		m.Headers = make(map[string]interface{})
	}
	return m.Headers
}

// GetBody returns the message body.
func (m *BaseMessage) GetBody() map[string]interface{} {
	return m.Body
}

// SetHeader sets a single header value.
func (m *BaseMessage) SetHeader(key string, value interface{}) {
	m.GetHeaders()[key] = value
}
