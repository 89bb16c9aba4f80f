package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"talklink-backend/pkg/metrics"
)

// WaitingPool holds users waiting for a random match in FIFO order. A user
// appears at most once; a second join attempt is rejected, not reordered.
type WaitingPool struct {
	mu      sync.Mutex
	order   []uuid.UUID
	members map[uuid.UUID]struct{}
}

// NewWaitingPool creates an empty waiting pool
func NewWaitingPool() *WaitingPool {
	return &WaitingPool{members: make(map[uuid.UUID]struct{})}
}

// Enqueue appends userID to the pool. Returns false if the user is already
// waiting.
func (p *WaitingPool) Enqueue(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, waiting := p.members[userID]; waiting {
		return false
	}
	p.order = append(p.order, userID)
	p.members[userID] = struct{}{}
	metrics.MatchmakingWaitingPoolSize.Set(float64(len(p.order)))
	return true
}

// EnqueueFront returns userID to the head of the pool. Used when a popped
// partner has to be put back after a failed pairing, preserving their turn.
func (p *WaitingPool) EnqueueFront(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, waiting := p.members[userID]; waiting {
		return false
	}
	p.order = append([]uuid.UUID{userID}, p.order...)
	p.members[userID] = struct{}{}
	metrics.MatchmakingWaitingPoolSize.Set(float64(len(p.order)))
	return true
}

// Pop removes and returns the longest-waiting user
func (p *WaitingPool) Pop() (uuid.UUID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return uuid.Nil, false
	}
	userID := p.order[0]
	p.order = p.order[1:]
	delete(p.members, userID)
	metrics.MatchmakingWaitingPoolSize.Set(float64(len(p.order)))
	return userID, true
}

// Remove takes userID out of the pool wherever it sits. Returns false if
// the user was not waiting.
func (p *WaitingPool) Remove(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, waiting := p.members[userID]; !waiting {
		return false
	}
	delete(p.members, userID)
	for i, id := range p.order {
		if id == userID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	metrics.MatchmakingWaitingPoolSize.Set(float64(len(p.order)))
	return true
}

// Contains reports whether userID is currently waiting
func (p *WaitingPool) Contains(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, waiting := p.members[userID]
	return waiting
}

// Size returns the number of waiting users
func (p *WaitingPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
