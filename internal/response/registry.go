package response

import (
	"fmt"
	"sort"
	"sync"

	"nettrace-guardian/internal/schema"
)

// Factory builds a handler instance.
type Factory func() (Handler, error)

// Registry maps handler names to factories so the handler chain can be
// assembled from configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("response: handler name is empty")
	}
	if f == nil {
		return fmt.Errorf("response: nil factory for handler %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("response: handler %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered handler names, sorted.
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

// Build instantiates the named handlers in order. An unknown name yields a
// *schema.ConfigError.
func (r *Registry) Build(names []string) ([]Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]Handler, 0, len(names))
	for i, name := range names {
		field := fmt.Sprintf("response.handlers[%d]", i)
		f, ok := r.factories[name]
		if !ok {
			return nil, schema.NewConfigError(field, "unknown handler %q", name)
		}
		h, err := f()
		if err != nil {
			return nil, schema.NewConfigError(field, "build %q: %v", name, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}
