package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates a client-supplied JSON Schema fragment
// structurally before it is handed to Normalize. It never rejects a
// schema that Normalize can still degrade usefully; it only guards
// against fragments that are not even well-formed JSON Schema, so a
// malformed tool definition can be logged instead of silently
// flattened to {type: object}.
type Validator interface {
	Validate(fragment map[string]any) error
}

// JSONSchemaValidator compiles the client's schema with
// github.com/santhosh-tekuri/jsonschema/v6 and validates that it is
// structurally sound JSON Schema. It does not validate that tool-call
// *arguments* conform to the schema — the upstream model owns that.
type JSONSchemaValidator struct{}

// NewJSONSchemaValidator returns the default structural validator.
func NewJSONSchemaValidator() *JSONSchemaValidator { return &JSONSchemaValidator{} }

// Validate compiles fragment as a schema document.
func (v *JSONSchemaValidator) Validate(fragment map[string]any) error {
	raw, err := json.Marshal(fragment)
	if err != nil {
		return fmt.Errorf("marshal schema fragment: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse schema fragment: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceURI = "mem://tool-parameter-schema.json"
	if err := c.AddResource(resourceURI, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile(resourceURI); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
