package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"talklink-backend/internal/protocol"
)

// Registry maps online users to their live connection. One connection per
// user: a later registration for the same user wins and the displaced
// connection is returned so the gateway can close it.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]protocol.Sender
}

// NewRegistry creates an empty presence registry
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]protocol.Sender)}
}

// Register binds userID to sender. If the user already had a connection it
// is replaced and returned.
func (r *Registry) Register(userID uuid.UUID, sender protocol.Sender) (protocol.Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.conns[userID]
	r.conns[userID] = sender
	if had && prev != sender {
		return prev, true
	}
	return nil, false
}

// Unregister removes the binding only if sender is still the current
// connection. A stale disconnect from a replaced connection must not knock
// the user's new connection offline.
func (r *Registry) Unregister(userID uuid.UUID, sender protocol.Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[userID]; ok && current == sender {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Resolve returns the live connection for userID
func (r *Registry) Resolve(userID uuid.UUID) (protocol.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.conns[userID]
	return sender, ok
}

// IsOnline reports whether userID has a live connection
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	_, ok := r.Resolve(userID)
	return ok
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
