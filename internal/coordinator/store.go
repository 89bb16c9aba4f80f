package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"talklink-backend/internal/domain"
)

// SessionStore keeps the live (waiting or active) call sessions in memory.
// The database holds the durable record; this store is what the relay and
// lifecycle paths consult on the hot path. Reads return copies; all
// mutation goes through Update so callers never share the inner pointer.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.CallSession
	byUser   map[uuid.UUID]uuid.UUID
}

// NewSessionStore creates an empty session store
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[uuid.UUID]*domain.CallSession),
		byUser:   make(map[uuid.UUID]uuid.UUID),
	}
}

// Insert adds a session and indexes its participants
func (s *SessionStore) Insert(session *domain.CallSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.CallID] = session
	for _, p := range session.Participants {
		s.byUser[p.UserID] = session.CallID
	}
}

// Get returns a copy of the session, or false if the call is not live
func (s *SessionStore) Get(callID uuid.UUID) (domain.CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[callID]
	if !ok {
		return domain.CallSession{}, false
	}
	return copySession(session), true
}

// FindByUser returns the live call a user is part of, if any
func (s *SessionStore) FindByUser(userID uuid.UUID) (domain.CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	callID, ok := s.byUser[userID]
	if !ok {
		return domain.CallSession{}, false
	}
	session, ok := s.sessions[callID]
	if !ok {
		return domain.CallSession{}, false
	}
	return copySession(session), true
}

// Update applies fn to the session under the store lock. Returns false if
// the call is not live.
func (s *SessionStore) Update(callID uuid.UUID, fn func(*domain.CallSession)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[callID]
	if !ok {
		return false
	}
	fn(session)
	return true
}

// Remove deletes the session and its participant index entries, returning
// the final state. The second return is false if the call was not live,
// which makes double-removal (both sides hanging up) a clean no-op.
func (s *SessionStore) Remove(callID uuid.UUID) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[callID]
	if !ok {
		return domain.CallSession{}, false
	}
	delete(s.sessions, callID)
	for _, p := range session.Participants {
		if s.byUser[p.UserID] == callID {
			delete(s.byUser, p.UserID)
		}
	}
	return copySession(session), true
}

// RemoveIf deletes the session only when pred approves its current state,
// all under one lock. Check-then-remove callers (reject racing accept) use
// this so a concurrent status change between the check and the removal
// cannot slip through.
func (s *SessionStore) RemoveIf(callID uuid.UUID, pred func(*domain.CallSession) bool) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[callID]
	if !ok || !pred(session) {
		return domain.CallSession{}, false
	}
	delete(s.sessions, callID)
	for _, p := range session.Participants {
		if s.byUser[p.UserID] == callID {
			delete(s.byUser, p.UserID)
		}
	}
	return copySession(session), true
}

// ActiveCount returns the number of live sessions
func (s *SessionStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(session *domain.CallSession) domain.CallSession {
	out := *session
	out.Participants = append([]domain.CallParticipant(nil), session.Participants...)
	out.Transcript = append([]domain.TranscriptEntry(nil), session.Transcript...)
	if session.GrammarFeedback != nil {
		fb := *session.GrammarFeedback
		out.GrammarFeedback = &fb
	}
	return out
}
