package backend

import (
	"sync"

	"runtimed/pkg/types"
)

// Registration pairs an engine name with its capability descriptor and
// implementation.
type Registration struct {
	Name         string
	Capabilities types.Capabilities
	Engine       Engine
}

// Registry maps logical engine names to capability descriptors.
// Registration is explicit and happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Registration
	order  []string
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Registration)}
}

// Register binds name to caps and engine. Re-registering the same name with
// identical capabilities is a no-op; different capabilities fail with a
// conflicting_registration error.
func (r *Registry) Register(name string, caps types.Capabilities, engine Engine) error {
	if name == "" {
		return types.NewError(types.KindInvalidState, "backend name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[name]; ok {
		if prev.Capabilities.Equal(caps) {
			return nil
		}
		return types.Errorf(types.KindConflictingRegistration,
			"backend %q already registered with different capabilities", name)
	}
	r.byName[name] = Registration{Name: name, Capabilities: caps, Engine: engine}
	r.order = append(r.order, name)
	return nil
}

// EngineFor resolves the first registered engine supporting format.
func (r *Registry) EngineFor(format types.ModelFormat) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		reg := r.byName[name]
		if reg.Capabilities.Supports(format) {
			return reg, nil
		}
	}
	return Registration{}, types.Errorf(types.KindBackend, "no registered backend supports format %q", format)
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// List returns registrations in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
