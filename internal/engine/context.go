package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Collaborator interfaces, defined on the consumer side. Production
// implementations live in internal/store, internal/retrieval and
// internal/mcppool; tests use the fakes in testing.go.

// Retriever searches the attached knowledge bases. An empty result is a
// valid, non-error outcome.
type Retriever interface {
	Search(ctx context.Context, query string, knowledgeBaseIDs []uuid.UUID) ([]Passage, error)
}

// AgentStore loads immutable agent configuration snapshots.
type AgentStore interface {
	LoadAgent(ctx context.Context, agentID uuid.UUID) (*AgentConfig, error)
}

// HistoryStore persists finished turns and serves the history window.
type HistoryStore interface {
	LoadRecentMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]Message, error)
	AppendTurn(ctx context.Context, chatID uuid.UUID, rec *TurnRecord) error
}

// MCPCaller invokes a tool on a pooled MCP server connection.
type MCPCaller interface {
	CallTool(ctx context.Context, toolsetID uuid.UUID, remoteName string, args json.RawMessage) (json.RawMessage, error)
}

// ExecutionContext is the per-turn state owned by the orchestrator. Exactly
// one is active per in-flight turn; sub-turns get a fresh one sharing only
// the guard, which carries the call chain across delegation.
type ExecutionContext struct {
	TurnID   uuid.UUID
	ChatID   uuid.UUID
	Agent    *AgentConfig
	Question string
	History  []Message
	Guard    *Guard

	stream *Stream
	acct   *accountant

	// subTurn marks delegated turns, which are not persisted as chat
	// messages of their own.
	subTurn bool
}
