package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Guard tracks the live chain of agent ids executing within one top-level
// turn. It rejects cycles and delegation deeper than maxDepth. One Guard is
// created per top-level turn and passed down through the execution context;
// unrelated turns never share one.
//
// The mutex matters because a single tool batch may invoke several agent
// tools concurrently.
type Guard struct {
	mu       sync.Mutex
	maxDepth int
	stack    []uuid.UUID
}

// NewGuard creates a guard allowing chains up to maxDepth agents.
func NewGuard(maxDepth int) *Guard {
	return &Guard{maxDepth: maxDepth}
}

// Enter registers agentID on the call chain. It returns ErrCycleDetected if
// the agent is already executing, ErrDepthExceeded if the chain is full.
func (g *Guard) Enter(agentID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.stack {
		if id == agentID {
			return fmt.Errorf("%w: agent %s is already in the call chain", ErrCycleDetected, agentID)
		}
	}
	if len(g.stack) >= g.maxDepth {
		return fmt.Errorf("%w: max depth %d reached", ErrDepthExceeded, g.maxDepth)
	}
	g.stack = append(g.stack, agentID)
	return nil
}

// Leave removes agentID from the chain. It must be called on every exit
// path of a sub-turn, success or failure.
func (g *Guard) Leave(agentID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.stack) - 1; i >= 0; i-- {
		if g.stack[i] == agentID {
			g.stack = append(g.stack[:i], g.stack[i+1:]...)
			return
		}
	}
}

// Depth returns the current chain length.
func (g *Guard) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.stack)
}
