// Package toolschema validates tool call arguments against each tool's
// declared JSON Schema before execution, and can reflect a Go struct into a
// schema for internal tools that declare their args as a typed struct.
// Grounded on pkg/pluginsdk/validation.go's compile-and-cache pattern and
// internal/config/schema.go's reflection pattern.
package toolschema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
)

var compiled sync.Map // schema text -> *jsonschemav5.Schema

// Validate checks args against schema (a JSON Schema document). An empty
// schema means the tool declares no constraints and always validates.
func Validate(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	s, err := compile(schema)
	if err != nil {
		return fmt.Errorf("toolschema: compile schema: %w", err)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("toolschema: decode args: %w", err)
	}

	if err := s.Validate(decoded); err != nil {
		return fmt.Errorf("toolschema: args invalid: %w", err)
	}
	return nil
}

func compile(schema json.RawMessage) (*jsonschemav5.Schema, error) {
	key := string(schema)
	if cached, ok := compiled.Load(key); ok {
		if s, ok := cached.(*jsonschemav5.Schema); ok {
			return s, nil
		}
	}

	s, err := jsonschemav5.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	compiled.Store(key, s)
	return s, nil
}

// ReflectArgsSchema builds a JSON Schema document for v (a pointer to a
// struct describing a tool's arguments), for internal tools that declare
// their args as a typed Go struct rather than a hand-written schema.
func ReflectArgsSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{FieldNameTag: "json"}
	schema := r.Reflect(v)
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("toolschema: marshal reflected schema: %w", err)
	}
	return out, nil
}
