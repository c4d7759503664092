package engine

// Status enumerates the wire-level event statuses.
type Status string

const (
	// StatusSearching signals knowledge-base retrieval has started.
	StatusSearching Status = "searching"
	// StatusThinking carries a reasoning fragment from the model.
	StatusThinking Status = "thinking"
	// StatusToolCall signals the model requested a tool invocation.
	StatusToolCall Status = "tool_call"
	// StatusToolRunning signals dispatch of a requested tool has started.
	StatusToolRunning Status = "tool_running"
	// StatusToolResult carries the result (or error) of one tool call.
	StatusToolResult Status = "tool_result"
	// StatusResponse carries an incremental fragment of the final answer.
	StatusResponse Status = "response"
	// StatusEndTurn terminates a successful turn. Exactly one terminal
	// event (end_turn or error) closes every stream.
	StatusEndTurn Status = "end_turn"
	// StatusError reports a problem; terminal when Error is set by the
	// orchestrator's failure path.
	StatusError Status = "error"
	// StatusKeepalive is a heartbeat emitted during long quiet stretches.
	StatusKeepalive Status = "keepalive"
)

// Event is one wire-level stream event. Fields other than Status are set
// only where the status calls for them.
type Event struct {
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	Response   string `json:"response,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	Info       string `json:"info,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Status == StatusEndTurn || e.Status == StatusError
}
