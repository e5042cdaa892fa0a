// Package extension hosts the extension registry and providers that
// perform the real asynchronous I/O a suspension names. The engine only
// validates and parks; everything here runs outside the sandbox.
package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pulseboard/backend/internal/sandbox/types"
)

// Provider performs the I/O behind one extension.
type Provider interface {
	Name() string
	Methods() []string
	Invoke(ctx context.Context, method string, args any) (any, error)
}

// Registry maps extension names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previous one of the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Snapshot renders the registry in the form handler contexts carry:
// extension name to sorted method list.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string][]string, len(r.providers))
	for name, p := range r.providers {
		methods := append([]string(nil), p.Methods()...)
		sort.Strings(methods)
		snap[name] = methods
	}
	return snap
}

// Invoke runs the named extension method and folds the outcome into an
// AsyncResult. Provider errors become the failure branch delivered to the
// handler; the engine never retries.
func (r *Registry) Invoke(ctx context.Context, s *types.Suspension) types.AsyncResult {
	p, ok := r.Get(s.ExtensionName)
	if !ok {
		return types.AsyncResult{Success: false, Error: fmt.Sprintf("extension %q not registered", s.ExtensionName)}
	}

	value, err := p.Invoke(ctx, s.Method, s.Args)
	if err != nil {
		return types.AsyncResult{Success: false, Error: err.Error()}
	}
	return types.AsyncResult{Success: true, Value: value}
}
