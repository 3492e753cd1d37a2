package connection

import (
	"sync"

	"perp_go/internal/domain"

	"github.com/google/uuid"
)

// Registry records the live connection instance of each key. The engine asks
// it whether an event still comes from the current connection.
type Registry struct {
	mu      sync.RWMutex
	current map[domain.ResourceKey]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{current: make(map[domain.ResourceKey]uuid.UUID)}
}

// IsCurrent reports whether conn is the live connection for key.
func (r *Registry) IsCurrent(key domain.ResourceKey, conn uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.current[key]
	return ok && cur == conn
}

// Current returns the live connection for key.
func (r *Registry) Current(key domain.ResourceKey) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.current[key]
	return cur, ok
}

func (r *Registry) set(key domain.ResourceKey, conn uuid.UUID) {
	r.mu.Lock()
	r.current[key] = conn
	r.mu.Unlock()
}

func (r *Registry) remove(key domain.ResourceKey) {
	r.mu.Lock()
	delete(r.current, key)
	r.mu.Unlock()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.current)
}
