package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed templates/schema.yaml
var defaultSchemaYAML embed.FS

// templateSchema declares a recognized template's name and the exact set of
// placeholder names it must contain — no more, no fewer.
type templateSchema struct {
	Name     string   `yaml:"name"`
	Required []string `yaml:"required"`
}

// schemaDoc is schema.yaml's top-level shape: a declared list of recognized
// templates, each with its required placeholder set.
type schemaDoc struct {
	Templates []templateSchema `yaml:"templates"`
}

// PromptValidationError reports a schema violation discovered at load time.
// The loader never reaches query time with a broken template — violations
// are fatal before the first query runs.
type PromptValidationError struct {
	Template string
	Reason   string
}

func (e *PromptValidationError) Error() string {
	return fmt.Sprintf("prompt: template %q invalid: %s", e.Template, e.Reason)
}

// loadSchemas reads the declared template set from schema.yaml, preferring
// an override in dir over the embedded default — same precedence rule
// NewLoader applies to the templates themselves.
func loadSchemas(dir string) ([]templateSchema, error) {
	data, err := readSchemaYAML(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: read schema.yaml: %w", err)
	}

	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("prompt: parse schema.yaml: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, fmt.Errorf("prompt: schema.yaml declares no templates")
	}
	return doc.Templates, nil
}

func readSchemaYAML(dir string) ([]byte, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, "schema.yaml"))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return defaultSchemaYAML.ReadFile("templates/schema.yaml")
}

func schemaFor(schemas []templateSchema, name string) (templateSchema, bool) {
	for _, s := range schemas {
		if s.Name == name {
			return s, true
		}
	}
	return templateSchema{}, false
}
