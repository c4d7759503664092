package engine

import "sync"

// accountant accumulates token counters and executed tool steps for one
// turn. It is written from the orchestrator goroutine and, during a tool
// batch, from dispatcher workers; finalization takes a snapshot.
type accountant struct {
	mu    sync.Mutex
	usage Usage
	steps []TurnStep
}

func (a *accountant) addUsage(u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.InputTokens += u.InputTokens
	a.usage.OutputTokens += u.OutputTokens
	a.usage.ReasoningTokens += u.ReasoningTokens
}

func (a *accountant) addStep(step TurnStep) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, step)
}

func (a *accountant) snapshot() (Usage, []TurnStep) {
	a.mu.Lock()
	defer a.mu.Unlock()
	steps := make([]TurnStep, len(a.steps))
	copy(steps, a.steps)
	return a.usage, steps
}
