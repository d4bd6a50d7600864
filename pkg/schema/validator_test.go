package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONSchemaValidatorAcceptsWellFormedSchema(t *testing.T) {
	v := NewJSONSchemaValidator()
	err := v.Validate(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"name"},
	})
	assert.NoError(t, err)
}

func TestJSONSchemaValidatorRejectsBadSchema(t *testing.T) {
	v := NewJSONSchemaValidator()
	// "type" must be a string or array of strings, not a number.
	err := v.Validate(map[string]any{"type": 5})
	assert.Error(t, err)
}

func TestJSONSchemaValidatorAcceptsEmptySchema(t *testing.T) {
	v := NewJSONSchemaValidator()
	assert.NoError(t, v.Validate(map[string]any{}))
}
