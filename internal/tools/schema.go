package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// schemaKeywords are the JSON schema keys kept when compiling a tool's
// parameters. Tool-specific annotations (e.g. "in") are dropped.
var schemaKeywords = map[string]bool{
	"type": true, "format": true, "description": true, "enum": true,
	"default": true, "example": true, "required": true, "items": true,
	"properties": true, "additionalProperties": true, "anyOf": true,
	"allOf": true, "oneOf": true, "not": true, "nullable": true,
	"minimum": true, "maximum": true, "exclusiveMinimum": true,
	"exclusiveMaximum": true, "minLength": true, "maxLength": true,
	"pattern": true, "minItems": true, "maxItems": true, "uniqueItems": true,
	"minProperties": true, "maxProperties": true, "title": true,
}

type compiledSchema struct {
	schema *openapi3.Schema
}

// compileSchema turns a tool's parameter map into an openapi3 schema. An
// empty map means the tool accepts anything.
func compileSchema(params map[string]interface{}) (*compiledSchema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(sanitizeSchema(params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	schema := openapi3.NewSchema()
	if err := schema.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return &compiledSchema{schema: schema}, nil
}

func sanitizeSchema(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, val := range in {
		if !schemaKeywords[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := val.(map[string]interface{}); ok {
				clean := make(map[string]interface{}, len(props))
				for name, prop := range props {
					if m, ok := prop.(map[string]interface{}); ok {
						clean[name] = sanitizeSchema(m)
					}
				}
				val = clean
			}
		case "items", "additionalProperties", "not":
			if m, ok := val.(map[string]interface{}); ok {
				val = sanitizeSchema(m)
			}
		case "anyOf", "allOf", "oneOf":
			if list, ok := val.([]interface{}); ok {
				clean := make([]interface{}, 0, len(list))
				for _, item := range list {
					if m, ok := item.(map[string]interface{}); ok {
						clean = append(clean, sanitizeSchema(m))
					}
				}
				val = clean
			}
		}
		out[key] = val
	}
	return out
}

// validate checks input against the schema. Numbers are normalized through
// a JSON round trip first so Go ints validate like JSON numbers.
func (c *compiledSchema) validate(input map[string]interface{}) error {
	if c == nil {
		return nil
	}
	var value interface{} = map[string]interface{}{}
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("input is not JSON encodable: %w", err)
		}
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("input is not JSON encodable: %w", err)
		}
	}

	err := c.schema.VisitJSON(value)
	if err == nil {
		return nil
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if ptr := se.JSONPointer(); len(ptr) > 0 {
			return fmt.Errorf("%s: %s", strings.Join(ptr, "."), se.Reason)
		}
		return errors.New(se.Reason)
	}
	return err
}
