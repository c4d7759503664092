// Package engine implements the conversational execution engine: the
// per-turn state machine that assembles context, calls the model, dispatches
// tool calls across webhook, MCP and agent executors, streams progress
// events, and produces the persisted turn record.
package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolKind discriminates the three executor kinds.
type ToolKind string

const (
	ToolKindWebhook ToolKind = "webhook"
	ToolKindMCP     ToolKind = "mcp"
	ToolKindAgent   ToolKind = "agent"
)

// AgentConfig is the immutable per-turn snapshot of an agent. It is loaded
// once when a turn starts; concurrent configuration edits never affect an
// in-flight turn.
type AgentConfig struct {
	ID          uuid.UUID
	Name        string
	Description string

	// Model is the model identifier; empty means the server default.
	Model             string
	Temperature       *float32
	MaxResponseTokens *int

	SystemPrompt        string
	ContextualizePrompt string

	// HistoryMessageCount bounds the prior-message window.
	HistoryMessageCount int

	KnowledgeBaseIDs []uuid.UUID
	Tools            []ToolDescriptor
}

// Tool returns the descriptor with the given name, or nil.
func (a *AgentConfig) Tool(name string) *ToolDescriptor {
	for i := range a.Tools {
		if a.Tools[i].Name == name {
			return &a.Tools[i]
		}
	}
	return nil
}

// ToolDescriptor is the immutable configuration snapshot of one tool.
// Exactly one kind-specific section is populated, matching Kind.
type ToolDescriptor struct {
	Kind        ToolKind
	Name        string
	Description string

	// InputSchema is the raw JSON schema declared to the model.
	InputSchema json.RawMessage

	Webhook *WebhookTarget
	MCP     *MCPTarget
	Agent   *AgentTarget
}

// WebhookTarget configures a remote-HTTP tool.
type WebhookTarget struct {
	// URLTemplate may contain {name} placeholders filled from path params.
	URLTemplate string
	Method      string
	Headers     map[string]string

	// Optional JSON schemas for the three argument sections.
	PathSchema  json.RawMessage
	QuerySchema json.RawMessage
	BodySchema  json.RawMessage
}

// MCPTarget configures a tool served by a remote MCP server.
type MCPTarget struct {
	// ToolsetID identifies the pooled connection.
	ToolsetID uuid.UUID
	// RemoteName is the tool's name on the remote server.
	RemoteName string
}

// AgentTarget configures delegation to another agent.
type AgentTarget struct {
	TargetAgentID uuid.UUID
}

// NormalizeToolName lowercases a tool name and replaces spaces with
// underscores, the form models reliably reproduce.
func NormalizeToolName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// ToolCallRequest is one model-issued tool invocation. Ref is unique within
// the turn and correlates the eventual result.
type ToolCallRequest struct {
	Ref  string
	Name string
	Args json.RawMessage
}

// ToolErrorKind classifies recoverable tool failures.
type ToolErrorKind string

const (
	ToolErrorUnknownTool      ToolErrorKind = "unknown_tool"
	ToolErrorInvalidArguments ToolErrorKind = "invalid_arguments"
	ToolErrorExecution        ToolErrorKind = "execution"
	ToolErrorTimeout          ToolErrorKind = "timeout"
	ToolErrorRecursion        ToolErrorKind = "recursion"
)

// ToolError is a recoverable tool failure. It is data handed back to the
// model, never a Go error that aborts the turn.
type ToolError struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// ToolCallResult is the outcome of one ToolCallRequest: Output on success,
// Err on failure, never both. Duration is the wall-clock execution time,
// recorded for the turn's usage accounting.
type ToolCallResult struct {
	Ref      string
	Name     string
	Output   json.RawMessage
	Err      *ToolError
	Duration time.Duration
}

// Payload returns the value injected back into the model context: the output
// on success, or the error descriptor.
func (r ToolCallResult) Payload() any {
	if r.Err != nil {
		return map[string]any{"error": r.Err}
	}
	var v any
	if err := json.Unmarshal(r.Output, &v); err != nil {
		return string(r.Output)
	}
	return v
}

// Passage is one retrieved knowledge-base chunk, immutable after creation.
type Passage struct {
	Content    string
	FileID     string
	FileName   string
	PageNumber int
	SeqNum     int
	Score      float64
}

// Message is one prior conversation entry in the history window.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// TurnStep records one executed tool call for the persisted transcript.
type TurnStep struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Err      *ToolError      `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

// Usage aggregates token counters for one turn.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
}

// TurnRecord is the final persisted artifact of one turn. It is created
// exactly once, when the turn reaches a terminal state.
type TurnRecord struct {
	ChatID    uuid.UUID  `json:"chat_id"`
	AgentID   uuid.UUID  `json:"agent_id"`
	Question  string     `json:"question"`
	Answer    string     `json:"answer"`
	Steps     []TurnStep `json:"steps"`
	Usage     Usage      `json:"usage"`
	Truncated bool       `json:"truncated"`
	Failed    bool       `json:"failed"`
	Error     string     `json:"error,omitempty"`
}
