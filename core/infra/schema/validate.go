// Package schema validates JSON payloads against JSON Schema documents:
// ingested event payloads and the workflow policy file.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var errEmptySchema = errors.New("schema is empty")

// Compile parses a schema document registered under id.
func Compile(id string, doc []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, errEmptySchema
	}
	if id == "" {
		id = "schema"
	}
	url := "mem://pingup/" + id
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", id, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", id, err)
	}
	return compiled, nil
}

// ValidateSchema compiles doc and validates value against it. Raw JSON values
// are decoded first; other values must already be JSON-shaped (maps, slices, scalars).
func ValidateSchema(id string, doc []byte, value any) error {
	compiled, err := Compile(id, doc)
	if err != nil {
		return err
	}
	return validate(compiled, value)
}

func validate(compiled *jsonschema.Schema, value any) error {
	doc, err := decode(value)
	if err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func decode(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return value, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
