package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a Client for a registered provider.
type Factory func() (Client, error)

// Registry maps provider names (the LLM_PROVIDER values) to factories.
// A Registry is a value handle: the composition root owns one and passes
// it where needed.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a provider factory. Names are case-insensitive; a later
// registration under the same name replaces the earlier one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// New builds the named provider's client.
func (r *Registry) New(name string) (Client, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	client, err := factory()
	if err != nil {
		return nil, fmt.Errorf("initialize llm provider %q: %w", name, err)
	}
	return client, nil
}

// Names lists registered providers sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
