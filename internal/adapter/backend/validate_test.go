package backend

import (
	"encoding/json"
	"errors"
	"testing"

	"coderelay/internal/domain"
)

func testCatalog() []domain.ToolInfo {
	return []domain.ToolInfo{
		{Name: "review"},
		{Name: "generate", InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string"},
				"max_files": {"type": "number"}
			},
			"required": ["prompt"]
		}`)},
	}
}

func TestValidatorUnknownTool(t *testing.T) {
	v, err := NewArgumentValidator(testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate("nope", nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestValidatorNoSchemaPasses(t *testing.T) {
	v, err := NewArgumentValidator(testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate("review", map[string]any{"anything": "goes"}); err != nil {
		t.Errorf("tool without schema should pass: %v", err)
	}
}

func TestValidatorSchemaEnforced(t *testing.T) {
	v, err := NewArgumentValidator(testCatalog())
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Validate("generate", map[string]any{"prompt": "fix the bug"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := v.Validate("generate", nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing required arg: err = %v, want ErrValidation", err)
	}
	if err := v.Validate("generate", map[string]any{"prompt": 42.0}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("wrong type: err = %v, want ErrValidation", err)
	}
}

func TestValidatorBrokenSchemaFailsCompile(t *testing.T) {
	_, err := NewArgumentValidator([]domain.ToolInfo{
		{Name: "bad", InputSchema: json.RawMessage(`{"type": 42}`)},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
}
