package paths

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

type bindingFile struct {
	Paths []Binding `yaml:"paths"`
}

// LoadFile reads bindings from a YAML document of the form
//
//	paths:
//	  - path: /doctor
//	    model: gemini-2.0-flash-live-001
//	    voice: Puck
//
// Entries without a model use defaultModel.
func LoadFile(path, defaultModel string) ([]Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseBindingFile(data, defaultModel)
}

func parseBindingFile(data []byte, defaultModel string) ([]Binding, error) {
	var doc bindingFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bindings: %w", err)
	}
	out := make([]Binding, 0, len(doc.Paths))
	for _, b := range doc.Paths {
		normalized, err := NormalizePath(b.Path)
		if err != nil {
			return nil, err
		}
		b.Path = normalized
		b.Model = strings.TrimSpace(b.Model)
		if b.Model == "" {
			b.Model = strings.TrimSpace(defaultModel)
		}
		if b.Model == "" {
			return nil, fmt.Errorf("relay path %q has no model and no default is set", b.Path)
		}
		out = append(out, b)
	}
	return out, nil
}
