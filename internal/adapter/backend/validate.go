package backend

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"coderelay/internal/domain"
)

// ArgumentValidator checks tool-call arguments against the JSON Schemas
// advertised by the backend's tool catalog. Tools without a schema pass
// unchecked.
type ArgumentValidator struct {
	known   map[string]bool
	schemas map[string]*jsonschema.Schema
}

// NewArgumentValidator compiles the input schemas from a tool catalog.
// A schema that fails to compile is an error; the catalog is the backend's
// contract and a broken one should surface at connect time, not per call.
func NewArgumentValidator(tools []domain.ToolInfo) (*ArgumentValidator, error) {
	v := &ArgumentValidator{
		known:   make(map[string]bool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, t := range tools {
		v.known[t.Name] = true
		raw := t.InputSchema
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema resource for %q: %w", t.Name, err)
		}
		compiled, err := compiler.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", t.Name, err)
		}
		v.schemas[t.Name] = compiled
	}
	return v, nil
}

// Validate checks one call's arguments. Unknown tools and schema
// violations both map to ErrValidation.
func (v *ArgumentValidator) Validate(tool string, args map[string]any) error {
	if !v.known[tool] {
		return domain.NewProtocolError("ArgumentValidator.Validate", domain.ErrValidation,
			fmt.Sprintf("unknown tool %q", tool))
	}
	schema, ok := v.schemas[tool]
	if !ok {
		return nil
	}

	// jsonschema validates generic values; map[string]any is already the
	// shape Unmarshal produces.
	var value any = map[string]any(args)
	if args == nil {
		value = map[string]any{}
	}
	if err := schema.Validate(value); err != nil {
		return domain.NewProtocolError("ArgumentValidator.Validate", domain.ErrValidation,
			fmt.Sprintf("tool %q: %v", tool, err))
	}
	return nil
}

// Tools returns the known tool names.
func (v *ArgumentValidator) Tools() []string {
	names := make([]string, 0, len(v.known))
	for name := range v.known {
		names = append(names, name)
	}
	return names
}
