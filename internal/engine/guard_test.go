package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_CycleRejected(t *testing.T) {
	t.Parallel()

	a, b := uuid.New(), uuid.New()
	g := NewGuard(5)

	require.NoError(t, g.Enter(a))
	require.NoError(t, g.Enter(b))
	assert.ErrorIs(t, g.Enter(a), ErrCycleDetected)
	assert.Equal(t, 2, g.Depth())
}

func TestGuard_DepthRejected(t *testing.T) {
	t.Parallel()

	g := NewGuard(3)
	for range 3 {
		require.NoError(t, g.Enter(uuid.New()))
	}
	assert.ErrorIs(t, g.Enter(uuid.New()), ErrDepthExceeded)
	assert.Equal(t, 3, g.Depth())
}

func TestGuard_LeaveRestoresStack(t *testing.T) {
	t.Parallel()

	a, b := uuid.New(), uuid.New()
	g := NewGuard(5)

	require.NoError(t, g.Enter(a))
	require.NoError(t, g.Enter(b))
	g.Leave(b)
	assert.Equal(t, 1, g.Depth())

	// The freed slot is reusable.
	require.NoError(t, g.Enter(b))
	g.Leave(b)
	g.Leave(a)
	assert.Equal(t, 0, g.Depth())
}

func TestGuard_LeaveUnknownIsNoop(t *testing.T) {
	t.Parallel()

	g := NewGuard(5)
	require.NoError(t, g.Enter(uuid.New()))
	g.Leave(uuid.New())
	assert.Equal(t, 1, g.Depth())
}

func TestGuard_ConcurrentEnters(t *testing.T) {
	t.Parallel()

	g := NewGuard(4)
	require.NoError(t, g.Enter(uuid.New())) // top-level agent

	// A batch of concurrent delegations: exactly three can fit.
	var wg sync.WaitGroup
	allowed := make(chan uuid.UUID, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			if g.Enter(id) == nil {
				allowed <- id
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var ids []uuid.UUID
	for id := range allowed {
		ids = append(ids, id)
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, 4, g.Depth())

	for _, id := range ids {
		g.Leave(id)
	}
	assert.Equal(t, 1, g.Depth())
}
