package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/log"
)

// Executor runs one tool invocation. All three kinds implement the same
// contract; the dispatcher never branches on kind beyond resolution.
// Failures are returned inside the result, never as panics or turn-fatal
// errors.
type Executor interface {
	Invoke(ctx context.Context, exec *ExecutionContext, desc *ToolDescriptor, req ToolCallRequest) ToolCallResult
}

// Dispatcher resolves each requested tool call against the agent's
// descriptors and runs the batch with bounded parallelism. Results are
// returned in request order regardless of completion order, because the
// model correlates them by position and call id.
type Dispatcher struct {
	executors   map[ToolKind]Executor
	parallelism int
	toolTimeout time.Duration
	logger      log.Logger
}

// NewDispatcher wires one executor per kind.
func NewDispatcher(executors map[ToolKind]Executor, parallelism int, toolTimeout time.Duration, logger log.Logger) *Dispatcher {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Dispatcher{
		executors:   executors,
		parallelism: parallelism,
		toolTimeout: toolTimeout,
		logger:      logger,
	}
}

// Dispatch runs one batch. The emit callback receives tool_running and
// tool_result events as each call progresses; per-call ordering is
// preserved because both are emitted from the call's own worker.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *ExecutionContext, reqs []ToolCallRequest, emit func(Event)) []ToolCallResult {
	results := make([]ToolCallResult, len(reqs))
	sem := make(chan struct{}, d.parallelism)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req ToolCallRequest) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = errorResult(req, ToolErrorTimeout, "turn cancelled before dispatch")
				return
			}
			results[i] = d.one(ctx, exec, req, emit)
		}(i, req)
	}
	wg.Wait()

	return results
}

// one resolves and executes a single call, normalizing every failure into
// the result payload.
func (d *Dispatcher) one(ctx context.Context, exec *ExecutionContext, req ToolCallRequest, emit func(Event)) ToolCallResult {
	desc := exec.Agent.Tool(req.Name)
	if desc == nil {
		d.logger.Warn("model requested unknown tool", "tool", req.Name, "turn_id", exec.TurnID)
		return errorResult(req, ToolErrorUnknownTool,
			fmt.Sprintf("no tool named %q is configured for this agent", req.Name))
	}

	if emit != nil {
		emit(Event{Status: StatusToolRunning, ToolName: req.Name})
	}

	start := time.Now()
	res := d.invoke(ctx, exec, desc, req)
	res.Duration = time.Since(start)

	d.logger.Debug("tool call finished",
		"tool", req.Name,
		"duration", res.Duration,
		"failed", res.Err != nil)

	if emit != nil {
		ev := Event{Status: StatusToolResult, ToolName: req.Name}
		if res.Err != nil {
			ev.ToolResult = fmt.Sprintf(`{"error":{"kind":%q,"message":%q}}`, res.Err.Kind, res.Err.Message)
		} else {
			ev.ToolResult = string(res.Output)
		}
		emit(ev)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, exec *ExecutionContext, desc *ToolDescriptor, req ToolCallRequest) ToolCallResult {
	executor, ok := d.executors[desc.Kind]
	if !ok {
		return errorResult(req, ToolErrorExecution,
			fmt.Sprintf("no executor registered for tool kind %q", desc.Kind))
	}

	// The agent executor manages its own sub-turn timeout; other kinds get
	// the per-call tool timeout here.
	if desc.Kind != ToolKindAgent && d.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}

	res := executor.Invoke(ctx, exec, desc, req)
	if res.Err != nil && res.Err.Kind == ToolErrorExecution && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Err = &ToolError{Kind: ToolErrorTimeout, Message: res.Err.Message}
	}
	return res
}

func errorResult(req ToolCallRequest, kind ToolErrorKind, msg string) ToolCallResult {
	return ToolCallResult{
		Ref:  req.Ref,
		Name: req.Name,
		Err:  &ToolError{Kind: kind, Message: msg},
	}
}
