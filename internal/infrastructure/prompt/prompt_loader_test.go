package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestNewLoader_EmbeddedDefaultsValidate(t *testing.T) {
	l, err := NewLoader("", testLogger())
	if err != nil {
		t.Fatalf("embedded defaults should validate cleanly: %v", err)
	}
	for _, s := range l.schemas {
		if l.template(s.Name) == "" {
			t.Errorf("template %q loaded empty", s.Name)
		}
	}
}

func TestNewLoader_MissingRequiredPlaceholder(t *testing.T) {
	dir := t.TempDir()
	// iteration_zero.md requires {{question}} — omit it.
	if err := os.WriteFile(filepath.Join(dir, "iteration_zero.md"), []byte("no placeholder here"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader(dir, testLogger())
	if err == nil {
		t.Fatal("expected PromptValidationError for missing required placeholder")
	}
	var pverr *PromptValidationError
	if !asPromptValidationError(err, &pverr) {
		t.Fatalf("expected *PromptValidationError, got %T: %v", err, err)
	}
	if pverr.Template != "iteration_zero.md" {
		t.Errorf("expected template iteration_zero.md, got %s", pverr.Template)
	}
}

func TestNewLoader_UnexpectedPlaceholderRejected(t *testing.T) {
	dir := t.TempDir()
	// system.md declares zero required placeholders — any {{...}} is an error.
	if err := os.WriteFile(filepath.Join(dir, "system.md"), []byte("hello {{surprise}}"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader(dir, testLogger())
	if err == nil {
		t.Fatal("expected PromptValidationError for unexpected placeholder")
	}
	if !strings.Contains(err.Error(), "unexpected placeholders") {
		t.Errorf("expected 'unexpected placeholders' in error, got: %v", err)
	}
}

func TestNewLoader_OverrideWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "code_required.md"), []byte("custom nudge text"), 0644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(dir, testLogger())
	if err != nil {
		t.Fatalf("override load failed: %v", err)
	}
	if got := l.RenderCodeRequired(); got != "custom nudge text" {
		t.Errorf("expected override content, got %q", got)
	}
}

func TestReload_RejectsBadUpdateKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(dir, testLogger())
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	before := l.RenderCodeRequired()

	// Write an invalid override, then reload.
	if err := os.WriteFile(filepath.Join(dir, "subcall.md"), []byte("missing placeholders entirely"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err == nil {
		t.Fatal("expected reload to reject invalid subcall.md")
	}

	after := l.RenderCodeRequired()
	if before != after {
		t.Error("failed reload should not mutate the existing template set")
	}
}

func TestNewLoader_SchemaYAMLOverrideAddsTemplate(t *testing.T) {
	dir := t.TempDir()
	schemaYAML := `templates:
  - name: system.md
  - name: iteration_zero.md
    required: [question]
  - name: iteration_continue.md
    required: [question]
  - name: context_metadata.md
    required: [context_type, context_total_length, context_lengths]
  - name: subcall.md
    required: [instruction, content]
  - name: code_required.md
  - name: extra.md
    required: [topic]
`
	if err := os.WriteFile(filepath.Join(dir, "schema.yaml"), []byte(schemaYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "extra.md"), []byte("about {{topic}}"), 0644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(dir, testLogger())
	if err != nil {
		t.Fatalf("schema.yaml override should validate cleanly: %v", err)
	}
	if got := l.template("extra.md"); got != "about {{topic}}" {
		t.Errorf("expected extra.md to load from override schema, got %q", got)
	}
}

func TestNewLoader_SchemaYAMLOverrideRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	schemaYAML := `templates:
  - name: system.md
  - name: iteration_zero.md
    required: [question, extra_field]
  - name: iteration_continue.md
    required: [question]
  - name: context_metadata.md
    required: [context_type, context_total_length, context_lengths]
  - name: subcall.md
    required: [instruction, content]
  - name: code_required.md
`
	if err := os.WriteFile(filepath.Join(dir, "schema.yaml"), []byte(schemaYAML), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader(dir, testLogger())
	if err == nil {
		t.Fatal("expected validation failure: embedded iteration_zero.md lacks extra_field")
	}
}

func asPromptValidationError(err error, target **PromptValidationError) bool {
	if pverr, ok := err.(*PromptValidationError); ok {
		*target = pverr
		return true
	}
	return false
}
