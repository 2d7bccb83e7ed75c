package service

import (
	"strings"
	"testing"
)

func TestFormatCodeEcho_NoVars(t *testing.T) {
	b := GenerateBoundary()
	got := FormatCodeEcho("x = 1\nprint(x)", "1\n", nil, b)

	if !strings.Contains(got, "Code executed:\n```python\nx = 1\nprint(x)\n```") {
		t.Errorf("missing code block:\n%s", got)
	}
	if !strings.Contains(got, "REPL output:\n"+b.WrapUntrusted("1\n")) {
		t.Errorf("output not wrapped in boundary:\n%s", got)
	}
	if strings.Contains(got, "REPL variables:") {
		t.Errorf("expected no variables line when vars is empty:\n%s", got)
	}
}

func TestFormatCodeEcho_WithVars_SortedDeterministic(t *testing.T) {
	b := GenerateBoundary()
	vars := map[string]string{"z": "int", "a": "str", "m": "list"}
	got := FormatCodeEcho("a = 'x'", "", vars, b)

	idx := strings.Index(got, "REPL variables: ")
	if idx == -1 {
		t.Fatalf("expected a REPL variables line:\n%s", got)
	}
	line := got[idx+len("REPL variables: "):]
	if line != "a, m, z" {
		t.Errorf("expected sorted var names %q, got %q", "a, m, z", line)
	}
}

func TestFormatCodeEcho_OutputNeverAppearsUnwrapped(t *testing.T) {
	b := GenerateBoundary()
	output := "secret-output-data"
	got := FormatCodeEcho("print('x')", output, nil, b)

	// The raw output must only appear inside the boundary markers, never
	// standalone before the BEGIN marker or after the END marker.
	beginIdx := strings.Index(got, b.String()+"_BEGIN")
	endIdx := strings.Index(got, b.String()+"_END")
	if beginIdx == -1 || endIdx == -1 {
		t.Fatalf("expected both BEGIN and END markers present:\n%s", got)
	}
	before := got[:beginIdx]
	after := got[endIdx:]
	if strings.Contains(before, output) || strings.Contains(after, output) {
		t.Errorf("output leaked outside boundary markers:\n%s", got)
	}
}
