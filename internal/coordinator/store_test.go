package coordinator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"talklink-backend/internal/domain"
)

func makeSession(userA, userB uuid.UUID) *domain.CallSession {
	now := time.Now()
	return &domain.CallSession{
		CallID: uuid.New(),
		Type:   domain.CallTypeRandom,
		Status: domain.CallStatusActive,
		Participants: []domain.CallParticipant{
			{UserID: userA, Name: "alice", JoinedAt: now},
			{UserID: userB, Name: "bob", JoinedAt: now},
		},
		StartTime: now,
	}
}

func TestSessionStore_InsertAndLookup(t *testing.T) {
	store := NewSessionStore()
	userA := uuid.New()
	userB := uuid.New()
	session := makeSession(userA, userB)

	store.Insert(session)

	got, ok := store.Get(session.CallID)
	assert.True(t, ok)
	assert.Equal(t, session.CallID, got.CallID)

	byUser, ok := store.FindByUser(userB)
	assert.True(t, ok)
	assert.Equal(t, session.CallID, byUser.CallID)

	_, ok = store.FindByUser(uuid.New())
	assert.False(t, ok)
	assert.Equal(t, 1, store.ActiveCount())
}

func TestSessionStore_GetReturnsCopy(t *testing.T) {
	store := NewSessionStore()
	session := makeSession(uuid.New(), uuid.New())
	store.Insert(session)

	got, _ := store.Get(session.CallID)
	got.Participants[0].Name = "mallory"
	got.Transcript = append(got.Transcript, domain.TranscriptEntry{Text: "injected"})

	fresh, _ := store.Get(session.CallID)
	assert.Equal(t, "alice", fresh.Participants[0].Name)
	assert.Empty(t, fresh.Transcript)
}

func TestSessionStore_UpdateMutatesUnderLock(t *testing.T) {
	store := NewSessionStore()
	session := makeSession(uuid.New(), uuid.New())
	store.Insert(session)

	ok := store.Update(session.CallID, func(s *domain.CallSession) {
		s.Status = domain.CallStatusWaiting
	})
	assert.True(t, ok)

	got, _ := store.Get(session.CallID)
	assert.Equal(t, domain.CallStatusWaiting, got.Status)

	assert.False(t, store.Update(uuid.New(), func(s *domain.CallSession) {}))
}

func TestSessionStore_RemoveIfChecksUnderLock(t *testing.T) {
	store := NewSessionStore()
	userA := uuid.New()
	userB := uuid.New()
	session := makeSession(userA, userB)
	session.Status = domain.CallStatusWaiting
	store.Insert(session)

	// Predicate refuses: session stays, indexes intact
	_, ok := store.RemoveIf(session.CallID, func(s *domain.CallSession) bool {
		return s.Status == domain.CallStatusActive
	})
	assert.False(t, ok)
	_, ok = store.FindByUser(userA)
	assert.True(t, ok)

	// Predicate approves: removed with the index entries
	removed, ok := store.RemoveIf(session.CallID, func(s *domain.CallSession) bool {
		return s.Status == domain.CallStatusWaiting
	})
	assert.True(t, ok)
	assert.Equal(t, session.CallID, removed.CallID)
	_, ok = store.FindByUser(userB)
	assert.False(t, ok)
	assert.Equal(t, 0, store.ActiveCount())
}

func TestSessionStore_RemoveIsIdempotent(t *testing.T) {
	store := NewSessionStore()
	userA := uuid.New()
	userB := uuid.New()
	session := makeSession(userA, userB)
	store.Insert(session)

	removed, ok := store.Remove(session.CallID)
	assert.True(t, ok)
	assert.Equal(t, session.CallID, removed.CallID)

	// Second removal (the other side hanging up) is a clean no-op
	_, ok = store.Remove(session.CallID)
	assert.False(t, ok)

	_, ok = store.FindByUser(userA)
	assert.False(t, ok)
	_, ok = store.FindByUser(userB)
	assert.False(t, ok)
	assert.Equal(t, 0, store.ActiveCount())
}
