package stage

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a stage with the provided configuration.
type Factory func(Info, Config) (Stage, error)

// Registry maintains known stage factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{}}
}

// Register installs a stage factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind Kind, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("stage: kind is required")
	}
	if factory == nil {
		return fmt.Errorf("stage: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("stage: %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind Kind, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs a stage of info.Kind.
func (r *Registry) Resolve(info Info, cfg Config) (Stage, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[info.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage: unknown kind %s for %s", info.Kind, info.ID)
	}
	st, err := factory(info, cfg)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", info.ID, err)
	}
	return st, nil
}

// Kinds returns a sorted list of registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
