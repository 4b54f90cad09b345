package schema

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/relaymq/relay-go/contracts"
)

// ValidationResult is the outcome of validating one message body.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError describes a single failed constraint.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field %q: %s", ve.Field, ve.Message)
}

// Schema describes the expected shape of a message body.
type Schema struct {
	Name       string                  `json:"name"`
	Version    int                     `json:"version"`
	Doc        string                  `json:"doc,omitempty"`
	Severity   contracts.Severity      `json:"-"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// PropertyDef defines the constraints on one body property.
type PropertyDef struct {
	Type       string                  `json:"type"`
	Pattern    string                  `json:"pattern,omitempty"`
	MinLength  *int                    `json:"minLength,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	Enum       []interface{}           `json:"enum,omitempty"`
	Items      *PropertyDef            `json:"items,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// Registry maps schema names to schemas. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]*Schema
	fallback *Schema
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithFallback sets the schema used for messages whose schema name is
// unknown. By default an unconstrained base schema is used.
func WithFallback(s *Schema) RegistryOption {
	return func(r *Registry) {
		r.fallback = s
	}
}

// NewRegistry creates a schema registry with the base schema preregistered.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		schemas:  make(map[string]*Schema),
		fallback: BaseSchema(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.schemas[r.fallback.Name] = r.fallback
	return r
}

// BaseSchema returns the unconstrained schema applied to messages that do
// not declare one.
func BaseSchema() *Schema {
	return &Schema{
		Name:     "base.message",
		Version:  1,
		Severity: contracts.SeverityInfo,
	}
}

// Register adds a schema to the registry. Registering the same name twice
// is an error so startup wiring mistakes surface immediately.
func (r *Registry) Register(s *Schema) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("schema: cannot register schema without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.Name]; exists && s.Name != r.fallback.Name {
		return fmt.Errorf("schema: %q is already registered", s.Name)
	}
	r.schemas[s.Name] = s
	return nil
}

// Get returns the schema registered under name, or the fallback schema
// when the name is unknown. The second return reports whether the name
// was found.
func (r *Registry) Get(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[name]; ok {
		return s, true
	}
	return r.fallback, false
}

// Validate checks a message body against its registered schema.
func (r *Registry) Validate(msg contracts.Message) ValidationResult {
	s, _ := r.Get(msg.GetSchema())
	return s.ValidateBody(msg.GetBody())
}

// Severity returns the severity of the message's schema.
func (r *Registry) Severity(msg contracts.Message) contracts.Severity {
	s, _ := r.Get(msg.GetSchema())
	return s.Severity
}

// ValidateBody checks a decoded body against the schema.
func (s *Schema) ValidateBody(body map[string]interface{}) ValidationResult {
	var errs []ValidationError

	for _, field := range s.Required {
		if _, ok := body[field]; !ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "required field is missing",
			})
		}
	}

	for field, def := range s.Properties {
		value, ok := body[field]
		if !ok {
			continue
		}
		errs = append(errs, def.validate(field, value)...)
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (d *PropertyDef) validate(field string, value interface{}) []ValidationError {
	var errs []ValidationError

	if d.Type != "" && !typeMatches(d.Type, value) {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("expected type %s", d.Type),
			Value:   value,
		}}
	}

	switch v := value.(type) {
	case string:
		errs = append(errs, d.validateString(field, v)...)
	case float64:
		errs = append(errs, d.validateNumber(field, v)...)
	case int:
		errs = append(errs, d.validateNumber(field, float64(v))...)
	case []interface{}:
		if d.Items != nil {
			for i, item := range v {
				errs = append(errs, d.Items.validate(fmt.Sprintf("%s[%d]", field, i), item)...)
			}
		}
	case map[string]interface{}:
		nested := Schema{Properties: d.Properties, Required: d.Required}
		for _, ne := range nested.ValidateBody(v).Errors {
			ne.Field = field + "." + ne.Field
			errs = append(errs, ne)
		}
	}

	if len(d.Enum) > 0 && !enumContains(d.Enum, value) {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("value not in enum %v", d.Enum),
			Value:   value,
		})
	}

	return errs
}

func (d *PropertyDef) validateString(field, v string) []ValidationError {
	var errs []ValidationError
	if d.MinLength != nil && len(v) < *d.MinLength {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("shorter than minimum length %d", *d.MinLength),
			Value:   v,
		})
	}
	if d.MaxLength != nil && len(v) > *d.MaxLength {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("longer than maximum length %d", *d.MaxLength),
			Value:   v,
		})
	}
	if d.Pattern != "" {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid pattern %q: %v", d.Pattern, err),
			})
		} else if !re.MatchString(v) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("does not match pattern %q", d.Pattern),
				Value:   v,
			})
		}
	}
	return errs
}

func (d *PropertyDef) validateNumber(field string, v float64) []ValidationError {
	var errs []ValidationError
	if d.Minimum != nil && v < *d.Minimum {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("below minimum %v", *d.Minimum),
			Value:   v,
		})
	}
	if d.Maximum != nil && v > *d.Maximum {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("above maximum %v", *d.Maximum),
			Value:   v,
		})
	}
	return errs
}

func typeMatches(typeName string, value interface{}) bool {
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
