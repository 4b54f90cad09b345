package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire representation of a message. The body is kept as raw
// JSON so consumers can defer decoding until the schema is known.
type Envelope struct {
	ID            string                 `json:"id"`
	Topic         string                 `json:"topic"`
	Timestamp     string                 `json:"timestamp"`
	Schema        string                 `json:"schema"`
	SchemaVersion int                    `json:"schemaVersion"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// Wrap converts a message into its wire envelope.
func Wrap(msg Message) (*Envelope, error) {
	body, err := json.Marshal(msg.GetBody())
	if err != nil {
		return nil, fmt.Errorf("marshal message body: %w", err)
	}
	return &Envelope{
		ID:            msg.GetID(),
		Topic:         msg.GetTopic(),
		Timestamp:     msg.GetTimestamp().UTC().Format(time.RFC3339),
		Schema:        msg.GetSchema(),
		SchemaVersion: msg.GetSchemaVersion(),
		Headers:       msg.GetHeaders(),
		Body:          body,
	}, nil
}

// Unwrap converts a wire envelope back into a message.
func (e *Envelope) Unwrap() (*BaseMessage, error) {
	var body map[string]interface{}
	if len(e.Body) > 0 {
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("unmarshal message body: %w", err)
		}
	}
	msg := &BaseMessage{
		ID:            e.ID,
		Topic:         e.Topic,
		Schema:        e.Schema,
		SchemaVersion: e.SchemaVersion,
		Headers:       e.Headers,
		Body:          body,
	}
	if e.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			msg.Timestamp = ts
		}
	}
	return msg, nil
}
