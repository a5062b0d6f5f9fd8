package tool

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Registry holds registered tool descriptors. It is instance-based
// (not global) for better testability.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Descriptor),
	}
}

// Register adds a descriptor to the registry. A missing ID is filled with
// a fresh UUID. It returns ErrEmptyToolName, ErrInvalidPermission, or
// ErrDuplicateTool on invalid input.
func (r *Registry) Register(d Descriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return ErrEmptyToolName
	}
	if !d.Permission.Valid() {
		return fmt.Errorf("%w: %s (%s)", ErrInvalidPermission, d.Permission, d.Name)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}

	r.tools[d.Name] = d
	return nil
}

// Resolve returns the descriptor with the given name, or ErrToolNotFound.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return d, nil
}

// List returns all registered descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Names returns all registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
