package backend

import (
	"context"
	"fmt"
	"sort"
)

// Factory constructs a backend from process configuration. The cfg parameter
// is the adapter's own settings struct, supplied by the caller that
// registered the factory.
type Factory func(ctx context.Context) (Backend, error)

// Registry maps configuration-supplied backend names to constructors. It is
// built once at startup; unknown names fail fast as a configuration error
// instead of deferring the failure to first use.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to a factory. Registering the same name twice is a
// programming error and panics.
func (r *Registry) Register(name string, f Factory) {
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("backend: duplicate registration for %q", name))
	}
	r.factories[name] = f
}

// Open constructs the backend registered under name.
func (r *Registry) Open(ctx context.Context, name string) (Backend, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q (known: %v)", name, r.Names())
	}
	b, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: open %q: %w", name, err)
	}
	return b, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
