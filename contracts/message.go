package contracts

import (
	"fmt"
	"time"
)

// Severity indicates how important a message is to a human consumer.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// String returns the lowercase name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity converts a severity name to a Severity value.
func ParseSeverity(name string) (Severity, error) {
	switch name {
	case "debug":
		return SeverityDebug, nil
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", name)
	}
}

// Message is the interface all publishable and consumable messages satisfy.
type Message interface {
	GetID() string
	GetTopic() string
	GetTimestamp() time.Time
	GetSchema() string
	GetSchemaVersion() int
	GetHeaders() map[string]interface{}
	GetBody() map[string]interface{}
}

// HeaderSchema and HeaderSchemaVersion are the AMQP headers that carry the
// schema identity of a message so consumers can pick the right validator.
const (
	HeaderSchema        = "relay-schema"
	HeaderSchemaVersion = "relay-schema-version"
)
