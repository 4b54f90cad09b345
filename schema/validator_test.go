package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relay-go/contracts"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func userSchema() *Schema {
	return &Schema{
		Name:     "user.created",
		Version:  1,
		Doc:      "A new user account was created.",
		Severity: contracts.SeverityInfo,
		Properties: map[string]*PropertyDef{
			"username": {
				Type:      "string",
				MinLength: intPtr(3),
				MaxLength: intPtr(32),
				Pattern:   `^[a-z][a-z0-9_]*$`,
			},
			"age": {
				Type:    "integer",
				Minimum: floatPtr(0),
				Maximum: floatPtr(150),
			},
			"role": {
				Type: "string",
				Enum: []interface{}{"admin", "member", "guest"},
			},
			"tags": {
				Type:  "array",
				Items: &PropertyDef{Type: "string"},
			},
			"profile": {
				Type: "object",
				Properties: map[string]*PropertyDef{
					"email": {Type: "string", Pattern: `@`},
				},
				Required: []string{"email"},
			},
		},
		Required: []string{"username"},
	}
}

func TestRegistry(t *testing.T) {
	t.Run("registers and resolves schemas", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(userSchema()))

		s, found := r.Get("user.created")
		assert.True(t, found)
		assert.Equal(t, "user.created", s.Name)
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(userSchema()))
		assert.Error(t, r.Register(userSchema()))
	})

	t.Run("registration without a name fails", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register(nil))
		assert.Error(t, r.Register(&Schema{Version: 1}))
	})

	t.Run("unknown schema falls back to the base schema", func(t *testing.T) {
		r := NewRegistry()

		s, found := r.Get("nobody.registered.this")
		assert.False(t, found)
		assert.Equal(t, BaseSchema().Name, s.Name)

		// The fallback accepts any body.
		msg := contracts.NewMessage("some.topic", map[string]interface{}{"anything": true})
		msg.Schema = "nobody.registered.this"
		assert.True(t, r.Validate(msg).Valid)
	})

	t.Run("severity comes from the schema", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Schema{
			Name:     "disk.full",
			Version:  1,
			Severity: contracts.SeverityError,
		}))

		msg := contracts.NewMessage("alerts", nil)
		msg.Schema = "disk.full"
		assert.Equal(t, contracts.SeverityError, r.Severity(msg))
	})
}

func TestSchemaValidateBody(t *testing.T) {
	s := userSchema()

	t.Run("accepts a valid body", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"username": "alice_01",
			"age":      float64(30),
			"role":     "member",
			"tags":     []interface{}{"beta", "early"},
			"profile":  map[string]interface{}{"email": "alice@example.org"},
		})
		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("missing required field", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{"age": float64(30)})
		require.False(t, result.Valid)
		assert.Equal(t, "username", result.Errors[0].Field)
	})

	t.Run("wrong type", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{"username": 42})
		assert.False(t, result.Valid)
	})

	t.Run("string constraints", func(t *testing.T) {
		tooShort := s.ValidateBody(map[string]interface{}{"username": "ab"})
		assert.False(t, tooShort.Valid)

		badPattern := s.ValidateBody(map[string]interface{}{"username": "1leading_digit"})
		assert.False(t, badPattern.Valid)
	})

	t.Run("numeric bounds", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"username": "alice",
			"age":      float64(200),
		})
		require.False(t, result.Valid)
		assert.Equal(t, "age", result.Errors[0].Field)
	})

	t.Run("non-integral number fails an integer property", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"username": "alice",
			"age":      1.5,
		})
		assert.False(t, result.Valid)
	})

	t.Run("enum membership", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"username": "alice",
			"role":     "superuser",
		})
		assert.False(t, result.Valid)
	})

	t.Run("array items are validated individually", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"username": "alice",
			"tags":     []interface{}{"ok", 7},
		})
		require.False(t, result.Valid)
		assert.Equal(t, "tags[1]", result.Errors[0].Field)
	})

	t.Run("nested object requirements", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"username": "alice",
			"profile":  map[string]interface{}{},
		})
		require.False(t, result.Valid)
		assert.Equal(t, "profile.email", result.Errors[0].Field)
	})

	t.Run("collects every violation", func(t *testing.T) {
		result := s.ValidateBody(map[string]interface{}{
			"age":  float64(-5),
			"role": "emperor",
		})
		require.False(t, result.Valid)
		assert.Len(t, result.Errors, 3)
	})
}
