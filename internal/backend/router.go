// ABOUTME: Routes conversations to backend adapters by agent type
// ABOUTME: Registration happens at startup; lookups are read-only afterwards

package backend

import (
	"fmt"
	"sync"
)

// Router maps agent types ("claude", "research", ...) to adapters.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{adapters: make(map[string]Adapter)}
}

// Register binds an agent type to an adapter. Later registrations for the
// same type replace earlier ones.
func (r *Router) Register(agentType string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[agentType] = a
}

// Resolve returns the adapter for an agent type.
func (r *Router) Resolve(agentType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[agentType]
	if !ok {
		return nil, fmt.Errorf("no backend registered for agent type %q", agentType)
	}
	return a, nil
}

// Types returns the registered agent types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
