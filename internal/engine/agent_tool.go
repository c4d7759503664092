package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/log"
)

// agentToolArgs is the argument shape for delegation tools. The model fills
// "query"; "input" is accepted for schemas that used the older key.
type agentToolArgs struct {
	Query string `json:"query"`
	Input string `json:"input"`
}

// AgentExecutor delegates a tool call to another configured agent. It
// registers the target on the recursion guard, runs a full sub-turn
// synchronously with a one-shot empty history, and returns the sub-turn's
// final answer as the tool result. Guard rejections and sub-turn failures
// are error results the model can react to.
type AgentExecutor struct {
	engine  *Engine
	timeout time.Duration
	logger  log.Logger
}

// NewAgentExecutor creates an agent executor bound to its owning engine.
func NewAgentExecutor(engine *Engine, timeout time.Duration, logger log.Logger) *AgentExecutor {
	return &AgentExecutor{engine: engine, timeout: timeout, logger: logger}
}

// Invoke implements Executor.
func (x *AgentExecutor) Invoke(ctx context.Context, exec *ExecutionContext, desc *ToolDescriptor, req ToolCallRequest) ToolCallResult {
	target := desc.Agent
	if target == nil {
		return errorResult(req, ToolErrorExecution, "agent tool has no target configuration")
	}

	question, err := extractQuery(req.Args)
	if err != nil {
		return errorResult(req, ToolErrorInvalidArguments, err.Error())
	}

	if err := exec.Guard.Enter(target.TargetAgentID); err != nil {
		x.logger.Warn("agent delegation rejected",
			"turn_id", exec.TurnID,
			"target_agent", target.TargetAgentID,
			"reason", err)
		return errorResult(req, ToolErrorRecursion, err.Error())
	}
	defer exec.Guard.Leave(target.TargetAgentID)

	subCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	rec, err := x.engine.runSubTurn(subCtx, exec, target.TargetAgentID, question)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return errorResult(req, ToolErrorTimeout, "delegated agent turn timed out")
		}
		return errorResult(req, ToolErrorExecution, fmt.Sprintf("delegated agent turn failed: %v", err))
	}
	if rec == nil {
		return errorResult(req, ToolErrorExecution, "delegated agent turn produced no record")
	}
	if rec.Failed {
		if errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return errorResult(req, ToolErrorTimeout, "delegated agent turn timed out")
		}
		return errorResult(req, ToolErrorExecution,
			fmt.Sprintf("delegated agent turn failed: %s", rec.Error))
	}

	output, err := json.Marshal(rec.Answer)
	if err != nil {
		return errorResult(req, ToolErrorExecution, fmt.Sprintf("encoding delegated answer: %v", err))
	}
	return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: output}
}

// extractQuery reduces the tool arguments to the natural-language question
// for the target agent.
func extractQuery(args json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "", errors.New(`agent tools require a "query" argument`)
	}
	var a agentToolArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("parsing agent tool arguments: %w", err)
	}
	q := strings.TrimSpace(a.Query)
	if q == "" {
		q = strings.TrimSpace(a.Input)
	}
	if q == "" {
		return "", errors.New(`agent tools require a non-empty "query" argument`)
	}
	return q, nil
}
