package tool

import (
	"context"
	"fmt"
	"sync"
)

// Mux is an Executor that routes each tool name to a bound runner.
// Builtin runners and MCP-imported runners share one Mux so the admission
// engine sees a single executor.
type Mux struct {
	mu      sync.RWMutex
	runners map[string]RunFunc
}

// NewMux creates an empty executor mux.
func NewMux() *Mux {
	return &Mux{runners: make(map[string]RunFunc)}
}

// Bind attaches a runner for the given tool name, replacing any previous
// binding.
func (m *Mux) Bind(name string, fn RunFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[name] = fn
}

// Run implements Executor.
func (m *Mux) Run(ctx context.Context, name string, input map[string]any) (Result, error) {
	m.mu.RLock()
	fn, ok := m.runners[name]
	m.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoRunner, name)
	}
	return fn(ctx, name, input)
}
