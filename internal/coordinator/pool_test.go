package coordinator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWaitingPool_FIFOOrder(t *testing.T) {
	pool := NewWaitingPool()
	first := uuid.New()
	second := uuid.New()
	third := uuid.New()

	assert.True(t, pool.Enqueue(first))
	assert.True(t, pool.Enqueue(second))
	assert.True(t, pool.Enqueue(third))
	assert.Equal(t, 3, pool.Size())

	got, ok := pool.Pop()
	assert.True(t, ok)
	assert.Equal(t, first, got)

	got, ok = pool.Pop()
	assert.True(t, ok)
	assert.Equal(t, second, got)

	got, ok = pool.Pop()
	assert.True(t, ok)
	assert.Equal(t, third, got)

	_, ok = pool.Pop()
	assert.False(t, ok)
}

func TestWaitingPool_DuplicateEnqueueRejected(t *testing.T) {
	pool := NewWaitingPool()
	userID := uuid.New()

	assert.True(t, pool.Enqueue(userID))
	assert.False(t, pool.Enqueue(userID))
	assert.Equal(t, 1, pool.Size())
}

func TestWaitingPool_EnqueueFrontPreservesTurn(t *testing.T) {
	pool := NewWaitingPool()
	first := uuid.New()
	second := uuid.New()

	pool.Enqueue(first)
	pool.Enqueue(second)

	popped, _ := pool.Pop()
	assert.Equal(t, first, popped)

	// Failed pairing: the popped user goes back to the head, not the tail
	assert.True(t, pool.EnqueueFront(popped))

	got, _ := pool.Pop()
	assert.Equal(t, first, got)
}

func TestWaitingPool_Remove(t *testing.T) {
	pool := NewWaitingPool()
	first := uuid.New()
	second := uuid.New()

	pool.Enqueue(first)
	pool.Enqueue(second)

	assert.True(t, pool.Remove(first))
	assert.False(t, pool.Remove(first))
	assert.False(t, pool.Contains(first))

	got, ok := pool.Pop()
	assert.True(t, ok)
	assert.Equal(t, second, got)
}
