package template

import (
	"fmt"
	"slices"
	"sync"
)

// Registry holds templates by name. Templates loaded later replace
// earlier ones with the same name, so a directory can override builtins.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates a registry with the builtin templates, overridden by
// any templates found under dir.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{templates: make(map[string]Template)}

	builtin, err := Builtin()
	if err != nil {
		return nil, err
	}
	r.Add(builtin...)

	custom, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	r.Add(custom...)
	return r, nil
}

// Add registers templates.
func (r *Registry) Add(templates ...Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range templates {
		r.templates[t.Name] = t
	}
}

// Get returns the template with the given name.
func (r *Registry) Get(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("template %q: %w", name, ErrUnknownTemplate)
	}
	return t, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns every template ordered by name.
func (r *Registry) All() []Template {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(names))
	for _, n := range names {
		out = append(out, r.templates[n])
	}
	return out
}
