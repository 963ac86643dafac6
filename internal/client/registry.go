package client

import (
	"sync"

	"github.com/monstermq/broker/internal/handler"
)

// Registry tracks the clients currently connected to this node, keyed by
// clientID. It implements handler.Registry so the SessionHandler can
// locate a live Deliverer for a local subscriber.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Session
}

var _ handler.Registry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Session)}
}

// Lookup implements handler.Registry.
func (r *Registry) Lookup(clientID string) (handler.Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return s, true
}

// Swap registers sess as clientID's live session, returning the
// previously-registered session (if any) so the caller can evict it —
// MQTT 3.1.1 requires a second CONNECT for the same clientID to close
// the first connection (spec §4.7.1).
func (r *Registry) Swap(clientID string, sess *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.clients[clientID]
	r.clients[clientID] = sess
	return prev, existed
}

// Remove unregisters sess, but only if it is still the current session
// for clientID — guards against an already-evicted, slow-to-close
// connection erasing a newer one's registration.
func (r *Registry) Remove(clientID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[clientID]; ok && cur == sess {
		delete(r.clients, clientID)
	}
}

// Count returns the number of locally-connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
