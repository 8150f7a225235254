package breaker

import (
	"sync"

	"github.com/ali-master/shield/config"
)

// Registry holds the per-resource breakers. Breakers are created
// explicitly or on first use with the registry defaults, and live until
// removed or the registry is closed.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults config.CircuitBreakerConfig
	hooks    Hooks
}

// NewRegistry creates a registry whose on-demand breakers use defaults
// and hooks.
func NewRegistry(defaults config.CircuitBreakerConfig, hooks Hooks) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		hooks:    hooks,
	}
}

// Create registers a breaker for name with an explicit config, replacing
// any existing one.
func (r *Registry) Create(name string, cfg config.CircuitBreakerConfig, hooks Hooks) *Breaker {
	b := New(name, cfg, hooks)
	r.mu.Lock()
	r.breakers[name] = b
	r.mu.Unlock()
	return b
}

// Get returns the breaker for name, creating one from the registry
// defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults, r.hooks)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Remove drops the breaker for name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// State returns the state of the named breaker, or StateClosed when it
// does not exist yet.
func (r *Registry) State(name string) State {
	if b, ok := r.Lookup(name); ok {
		return b.State()
	}
	return StateClosed
}

// Stats returns the snapshot of the named breaker.
func (r *Registry) Stats(name string) (Snapshot, bool) {
	if b, ok := r.Lookup(name); ok {
		return b.Snapshot(), true
	}
	return Snapshot{}, false
}

// Snapshots returns the snapshot of every registered breaker keyed by name.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// Close tears the registry down. Existing breaker handles keep working
// but the registry forgets them.
func (r *Registry) Close() {
	r.mu.Lock()
	r.breakers = make(map[string]*Breaker)
	r.mu.Unlock()
}
