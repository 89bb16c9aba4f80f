package coordinator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_LastConnectionWins(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()
	older := newFakeSender()
	newer := newFakeSender()

	prev, replaced := registry.Register(userID, older)
	assert.False(t, replaced)
	assert.Nil(t, prev)

	prev, replaced = registry.Register(userID, newer)
	assert.True(t, replaced)
	assert.Same(t, older, prev.(*fakeSender))

	current, ok := registry.Resolve(userID)
	assert.True(t, ok)
	assert.Same(t, newer, current.(*fakeSender))
}

func TestRegistry_StaleUnregisterIgnored(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()
	older := newFakeSender()
	newer := newFakeSender()

	registry.Register(userID, older)
	registry.Register(userID, newer)

	// The replaced connection's teardown must not knock the user offline
	assert.False(t, registry.Unregister(userID, older))
	assert.True(t, registry.IsOnline(userID))

	assert.True(t, registry.Unregister(userID, newer))
	assert.False(t, registry.IsOnline(userID))
	assert.Equal(t, 0, registry.Count())
}
