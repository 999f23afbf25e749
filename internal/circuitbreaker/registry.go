package circuitbreaker

import "sync"

// Registry holds one Breaker per route ID. The route table is fixed at
// startup, so entries are created on first use and never evicted.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for routeID, or nil if none exists yet.
func (r *Registry) Get(routeID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[routeID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for routeID, creating it if needed.
// Double-checked so the steady state takes only the read lock.
func (r *Registry) GetOrCreate(routeID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[routeID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[routeID]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[routeID] = b
	return b
}
