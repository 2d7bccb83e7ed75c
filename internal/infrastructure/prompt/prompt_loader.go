// Package prompt loads and validates Shesha's fixed set of prompt templates.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed templates/*.md
var defaultTemplates embed.FS

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Loader holds the parsed, schema-validated template set for one process.
// Dir, if non-empty, is a directory checked for per-template overrides of
// the embedded defaults — same-name file wins, the same way NGOClaw's own
// workspace layer overrides its system layer.
type Loader struct {
	mu        sync.RWMutex
	dir       string
	schemas   []templateSchema
	templates map[string]string
	logger    *zap.Logger
}

// NewLoader loads the declared schema, then every template it names,
// preferring a file named <name> in dir over the embedded default when one
// exists. Returns a *PromptValidationError if any schema is violated.
func NewLoader(dir string, logger *zap.Logger) (*Loader, error) {
	l := &Loader{dir: dir, logger: logger}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads schema.yaml and templates from disk, re-validating every
// schema. Used by Watch on a filesystem change event. Leaves the previous
// template set in place if the new one fails validation.
func (l *Loader) Reload() error {
	next := &Loader{dir: l.dir, logger: l.logger}
	if err := next.load(); err != nil {
		return err
	}
	l.mu.Lock()
	l.schemas = next.schemas
	l.templates = next.templates
	l.mu.Unlock()
	l.logger.Info("prompt templates reloaded", zap.String("dir", l.dir))
	return nil
}

func (l *Loader) load() error {
	schemas, err := loadSchemas(l.dir)
	if err != nil {
		return err
	}

	templates := make(map[string]string, len(schemas))
	for _, s := range schemas {
		content, err := l.readTemplate(s.Name)
		if err != nil {
			return &PromptValidationError{Template: s.Name, Reason: err.Error()}
		}
		if err := validatePlaceholders(s, content); err != nil {
			return err
		}
		templates[s.Name] = content
	}

	l.mu.Lock()
	l.schemas = schemas
	l.templates = templates
	l.mu.Unlock()
	return nil
}

// readTemplate prefers an on-disk override, falling back to the embedded
// default. A missing required template — absent from both override and
// embed — is a load-time failure.
func (l *Loader) readTemplate(name string) (string, error) {
	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read override: %w", err)
		}
	}

	data, err := defaultTemplates.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("missing required template")
	}
	return string(data), nil
}

// validatePlaceholders enforces the exact-match rule: the placeholder set
// found in content must equal the schema's required set, no more, no fewer.
func validatePlaceholders(s templateSchema, content string) error {
	found := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		found[m[1]] = true
	}

	required := make(map[string]bool, len(s.Required))
	for _, p := range s.Required {
		required[p] = true
	}

	var missing, extra []string
	for p := range required {
		if !found[p] {
			missing = append(missing, p)
		}
	}
	for p := range found {
		if !required[p] {
			extra = append(extra, p)
		}
	}

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(extra)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing placeholders: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected placeholders: "+strings.Join(extra, ", "))
	}
	return &PromptValidationError{Template: s.Name, Reason: strings.Join(parts, "; ")}
}

// template returns the raw (unrendered) body for name. Panics if name is not
// one of the recognized schemas — a programmer error, never a runtime one,
// since every call site passes a compile-time-known template name.
func (l *Loader) template(name string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := schemaFor(l.schemas, name); !ok {
		panic(fmt.Sprintf("prompt: unrecognized template %q", name))
	}
	return l.templates[name]
}

func substitute(body string, values map[string]string) string {
	for k, v := range values {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body
}
