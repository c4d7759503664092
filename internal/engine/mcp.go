package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/log"
)

// MCPExecutor forwards tool calls to a remote MCP server through the
// connection pool. Transport failures and remote IsError results are
// normalized into execution errors for the model to react to.
type MCPExecutor struct {
	pool   MCPCaller
	logger log.Logger
}

// NewMCPExecutor creates an MCP executor backed by pool.
func NewMCPExecutor(pool MCPCaller, logger log.Logger) *MCPExecutor {
	return &MCPExecutor{pool: pool, logger: logger}
}

// Invoke implements Executor.
func (x *MCPExecutor) Invoke(ctx context.Context, _ *ExecutionContext, desc *ToolDescriptor, req ToolCallRequest) ToolCallResult {
	target := desc.MCP
	if target == nil {
		return errorResult(req, ToolErrorExecution, "mcp tool has no target configuration")
	}

	out, err := x.pool.CallTool(ctx, target.ToolsetID, target.RemoteName, req.Args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errorResult(req, ToolErrorTimeout,
				fmt.Sprintf("mcp tool %q timed out", target.RemoteName))
		}
		x.logger.Warn("mcp tool call failed",
			"tool", req.Name,
			"remote_name", target.RemoteName,
			"error", err)
		return errorResult(req, ToolErrorExecution,
			fmt.Sprintf("mcp tool %q failed: %v", target.RemoteName, err))
	}

	return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: normalizeJSON(out)}
}
