package paths

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidPath = errors.New("invalid relay path")

// Binding fixes the upstream model behind one relay path.
type Binding struct {
	Path               string   `json:"path" yaml:"path"`
	Model              string   `json:"model" yaml:"model"`
	ResponseModalities []string `json:"response_modalities,omitempty" yaml:"response_modalities,omitempty"`
	Voice              string   `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// Table is an immutable path lookup built once at startup.
type Table struct {
	byPath map[string]Binding
}

func NewTable(bindings []Binding) (*Table, error) {
	t := &Table{byPath: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		path, err := NormalizePath(b.Path)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(b.Model) == "" {
			return nil, fmt.Errorf("relay path %s has no model", path)
		}
		if _, dup := t.byPath[path]; dup {
			return nil, fmt.Errorf("relay path %s bound twice", path)
		}
		b.Path = path
		b.ResponseModalities = append([]string(nil), b.ResponseModalities...)
		t.byPath[path] = b
	}
	return t, nil
}

func (t *Table) Lookup(path string) (Binding, bool) {
	if t == nil {
		return Binding{}, false
	}
	normalized, err := NormalizePath(path)
	if err != nil {
		return Binding{}, false
	}
	b, ok := t.byPath[normalized]
	return b, ok
}

// List returns bindings sorted by path.
func (t *Table) List() []Binding {
	if t == nil {
		return nil
	}
	out := make([]Binding, 0, len(t.byPath))
	for _, b := range t.byPath {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byPath)
}

// NormalizePath trims whitespace and trailing slashes. Paths must be
// absolute.
func NormalizePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q must start with /", ErrInvalidPath, raw)
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p, nil
}

// ParseBindings reads a comma separated list of path=model entries. A bare
// path uses defaultModel.
func ParseBindings(raw, defaultModel string) ([]Binding, error) {
	var out []Binding
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		path, model, _ := strings.Cut(entry, "=")
		model = strings.TrimSpace(model)
		if model == "" {
			model = strings.TrimSpace(defaultModel)
		}
		if model == "" {
			return nil, fmt.Errorf("relay path %q has no model and no default is set", entry)
		}
		normalized, err := NormalizePath(path)
		if err != nil {
			return nil, err
		}
		out = append(out, Binding{Path: normalized, Model: model})
	}
	return out, nil
}
