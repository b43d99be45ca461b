package gateway

import (
	"sort"
	"sync"
)

// Registry maps provider identifiers to configured clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[Provider]Client
}

// NewRegistry builds a registry pre-populated with clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[Provider]Client, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for its provider. Nil clients are ignored.
func (r *Registry) Register(c Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Provider()] = c
}

// Resolve returns the client for provider or an *UnsupportedProviderError.
func (r *Registry) Resolve(provider Provider) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[ParseProvider(string(provider))]
	if !ok {
		return nil, &UnsupportedProviderError{Provider: provider}
	}
	return c, nil
}

// Providers lists registered providers in sorted order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
