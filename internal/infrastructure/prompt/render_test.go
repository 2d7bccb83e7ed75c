package prompt

import (
	"strings"
	"testing"
)

func mustLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader("", testLogger())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func TestRenderSystemPrompt_NoBoundary(t *testing.T) {
	l := mustLoader(t)
	got := l.RenderSystemPrompt("")
	if strings.Contains(got, "Untrusted content") {
		t.Error("security clause should not appear without a boundary")
	}
}

func TestRenderSystemPrompt_WithBoundary(t *testing.T) {
	l := mustLoader(t)
	boundary := "UNTRUSTED_CONTENT_deadbeefdeadbeefdeadbeefdeadbeef"
	got := l.RenderSystemPrompt(boundary)
	if !strings.Contains(got, boundary+"_BEGIN") || !strings.Contains(got, boundary+"_END") {
		t.Errorf("expected boundary markers named in the security clause: %s", got)
	}
}

func TestRenderIterationZero_Substitutes(t *testing.T) {
	l := mustLoader(t)
	got := l.RenderIterationZero("what is the capital of France?")
	if !strings.Contains(got, "what is the capital of France?") {
		t.Errorf("question not substituted: %s", got)
	}
	if strings.Contains(got, "{{question}}") {
		t.Error("unsubstituted placeholder leaked through")
	}
}

func TestRenderIterationContinue_Substitutes(t *testing.T) {
	l := mustLoader(t)
	got := l.RenderIterationContinue("q2")
	if !strings.Contains(got, "q2") || strings.Contains(got, "{{question}}") {
		t.Errorf("substitution failed: %s", got)
	}
}

func TestRenderContextMetadata(t *testing.T) {
	l := mustLoader(t)
	got := l.RenderContextMetadata("list", 300, []int{100, 200})
	if !strings.Contains(got, "list") || !strings.Contains(got, "300") || !strings.Contains(got, "100, 200") {
		t.Errorf("substitution failed: %s", got)
	}
}

func TestRenderSubcall(t *testing.T) {
	l := mustLoader(t)
	got := l.RenderSubcall("summarize this", "raw content here")
	if !strings.Contains(got, "summarize this") || !strings.Contains(got, "raw content here") {
		t.Errorf("substitution failed: %s", got)
	}
}

func TestRenderCodeRequired_NoPlaceholders(t *testing.T) {
	l := mustLoader(t)
	got := l.RenderCodeRequired()
	if got == "" {
		t.Error("expected non-empty nudge text")
	}
}
