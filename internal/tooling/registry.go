package tooling

import (
	"fmt"
	"strings"
	"sync"

	"editoragent/internal/domain"
)

// Registry holds tool definitions keyed by canonical name and resolves aliases.
// The parser uses it to recognise calls and the executor to dispatch them.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]Definition
	order   []string
	exact   map[string]string // name or alias -> canonical
	folded  map[string]string // lower-cased name or alias -> canonical
	version int
}

// NewRegistry returns an empty, ready-to-use registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[string]Definition),
		exact:  make(map[string]string),
		folded: make(map[string]string),
	}
}

// NewDefaultRegistry returns a registry holding the built-in file tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a definition. Returns an error if the name is empty or the
// name or any alias is already taken.
func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(def.Name) > maxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", def.Name, maxToolNameLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string{def.Name}, def.Aliases...)
	for _, n := range names {
		if _, taken := r.exact[n]; taken {
			return fmt.Errorf("tool %q is already registered", n)
		}
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	for _, n := range names {
		r.exact[n] = def.Name
		if _, taken := r.folded[strings.ToLower(n)]; !taken {
			r.folded[strings.ToLower(n)] = def.Name
		}
	}
	r.version++
	return nil
}

// maxToolNameLength bounds tool names accepted from model output.
const maxToolNameLength = 50

// Resolve maps a name or alias, matched exactly first and then
// case-insensitively, to its definition.
func (r *Registry) Resolve(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.exact[name]
	if !ok {
		canonical, ok = r.folded[strings.ToLower(name)]
	}
	if !ok {
		return Definition{}, false
	}
	return r.defs[canonical], true
}

// Get returns the definition for name or an error if not found.
func (r *Registry) Get(name string) (Definition, error) {
	def, ok := r.Resolve(name)
	if !ok {
		return Definition{}, fmt.Errorf("unknown tool: %q", name)
	}
	return def, nil
}

// List returns all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Names returns every canonical name and alias.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.exact))
	for _, name := range r.order {
		out = append(out, name)
		out = append(out, r.defs[name].Aliases...)
	}
	return out
}

// Version increments on every successful Register, letting callers cache
// structures derived from the registry.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Definitions returns domain.ToolDefinition for every registered tool,
// suitable for listings and system prompts.
func (r *Registry) Definitions() []domain.ToolDefinition {
	defs := r.List()
	out := make([]domain.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, domain.ToolDefinition{
			Name:        d.Name,
			Aliases:     d.Aliases,
			Description: d.Description,
			InputSchema: d.Schema(),
		})
	}
	return out
}
