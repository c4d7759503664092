package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.KeepaliveInterval == 0 {
		// Keep heartbeats out of event assertions.
		cfg.KeepaliveInterval = time.Minute
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

// waitPersisted blocks until the history store has received n records; the
// background write races the stream close.
func waitPersisted(t *testing.T, h *fakeHistoryStore, n int) []*TurnRecord {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.records()) >= n }, time.Second, 5*time.Millisecond)
	return h.records()
}

func TestEngine_PlainTurn(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID:                  agentID,
		Name:                "helper",
		SystemPrompt:        "You are helpful.",
		HistoryMessageCount: 10,
	}}
	model := &scriptedModel{steps: []scriptedStep{
		{thoughts: []string{"considering"}, chunks: []string{"hello ", "there"},
			res: &GenerateResult{Text: "hello there", Usage: Usage{InputTokens: 10, OutputTokens: 5}}},
	}}
	retriever := &fakeRetriever{}
	history := &fakeHistoryStore{messages: []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}}
	eng := newTestEngine(t, Config{Model: model, Retriever: retriever, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "what now?")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.Equal(t, []Status{StatusThinking, StatusResponse, StatusResponse, StatusEndTurn}, statuses(events))
	assert.Equal(t, "considering", events[0].Info)
	assert.Equal(t, "hello ", events[1].Response)

	require.NotNil(t, rec)
	assert.Equal(t, "hello there", rec.Answer)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5}, rec.Usage)
	assert.Empty(t, rec.Steps)
	assert.False(t, rec.Truncated)
	assert.False(t, rec.Failed)

	// No knowledge bases: retrieval never ran and the system prompt passes
	// through untouched.
	retriever.mu.Lock()
	assert.Empty(t, retriever.queries)
	retriever.mu.Unlock()
	req := model.call(0)
	assert.Equal(t, "You are helpful.", req.System)
	require.Len(t, req.Messages, 3) // history window + question
	assert.Equal(t, "what now?", req.Messages[2].Text())

	persisted := waitPersisted(t, history, 1)
	assert.Equal(t, rec, persisted[0])
}

func TestEngine_EmptyKnowledgeBase(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID:               agentID,
		SystemPrompt:     "Answer from documents.",
		KnowledgeBaseIDs: []uuid.UUID{uuid.New()},
	}}
	model := &scriptedModel{steps: []scriptedStep{textStep("nothing found")}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "q")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	assert.Equal(t, StatusSearching, events[0].Status)
	assert.Equal(t, StatusEndTurn, events[len(events)-1].Status)

	// Retrieval ran and came back empty: the model is told so explicitly.
	assert.Contains(t, model.call(0).System, noContextNotice)
	assert.Contains(t, model.call(0).System, "Answer from documents.")
}

func TestEngine_RetrievalFailureDegrades(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID:               agentID,
		SystemPrompt:     "sys",
		KnowledgeBaseIDs: []uuid.UUID{uuid.New()},
	}}
	model := &scriptedModel{steps: []scriptedStep{textStep("answer anyway")}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{
		Model:     model,
		Retriever: &fakeRetriever{err: errors.New("pgvector is down")},
		Agents:    agents,
		History:   history,
	})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "q")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	assert.False(t, rec.Failed)
	assert.Equal(t, "answer anyway", rec.Answer)

	last := events[len(events)-1]
	assert.Equal(t, StatusEndTurn, last.Status)
	assert.Contains(t, last.Info, "retrieval unavailable")
}

func TestEngine_ContextualizeRewrite(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID:                  agentID,
		SystemPrompt:        "sys",
		ContextualizePrompt: "Rewrite the question so it stands alone.",
		KnowledgeBaseIDs:    []uuid.UUID{uuid.New()},
		HistoryMessageCount: 10,
	}}
	model := &scriptedModel{steps: []scriptedStep{
		textStep("what is the 2025 revenue of Acme Corp?"),
		textStep("It was 12M."),
	}}
	retriever := &fakeRetriever{passages: []Passage{
		{FileID: "f1", FileName: "acme.pdf", PageNumber: 1, SeqNum: 1, Content: "revenue: 12M"},
	}}
	history := &fakeHistoryStore{messages: []Message{
		{Role: "user", Content: "tell me about Acme Corp"},
		{Role: "assistant", Content: "Acme Corp is..."},
	}}
	eng := newTestEngine(t, Config{Model: model, Retriever: retriever, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "and their revenue?")
	require.NoError(t, err)
	_, rec := collect(stream)
	require.NotNil(t, rec)

	// The first model call is the rewrite; retrieval searches with its
	// output rather than the raw question.
	require.Equal(t, 2, model.callCount())
	assert.Equal(t, "Rewrite the question so it stands alone.", model.call(0).System)
	retriever.mu.Lock()
	require.Len(t, retriever.queries, 1)
	assert.Equal(t, "what is the 2025 revenue of Acme Corp?", retriever.queries[0])
	retriever.mu.Unlock()

	// The rewrite's tokens count toward the turn.
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 10}, rec.Usage)
	assert.Contains(t, model.call(1).System, "revenue: 12M")
}

func TestEngine_WebhookToolRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Oslo", r.URL.Query().Get("city"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp_c":21,"sky":"clear"}`))
	}))
	defer srv.Close()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID:           agentID,
		SystemPrompt: "sys",
		Tools: []ToolDescriptor{{
			Kind:    ToolKindWebhook,
			Name:    "get_weather",
			Webhook: &WebhookTarget{URLTemplate: srv.URL + "/weather"},
		}},
	}}
	model := &scriptedModel{steps: []scriptedStep{
		toolStep(call("call_0", "get_weather", map[string]any{
			"query_params": map[string]any{"city": "Oslo"},
		})),
		textStep("It is 21 degrees and clear.", "It is 21 degrees and clear."),
	}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "weather in Oslo?")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	require.Equal(t, []Status{
		StatusToolCall, StatusToolRunning, StatusToolResult, StatusResponse, StatusEndTurn,
	}, statuses(events))
	assert.Equal(t, "get_weather", events[0].ToolName)
	assert.JSONEq(t, `{"query_params":{"city":"Oslo"}}`, events[0].ToolArgs)
	assert.JSONEq(t, `{"temp_c":21,"sky":"clear"}`, events[2].ToolResult)

	assert.Equal(t, "It is 21 degrees and clear.", rec.Answer)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "get_weather", rec.Steps[0].ToolName)
	assert.JSONEq(t, `{"temp_c":21,"sky":"clear"}`, string(rec.Steps[0].Result))
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 10}, rec.Usage)

	// The second generation sees the tool result injected after the request.
	require.Equal(t, 2, model.callCount())
	assert.Greater(t, len(model.call(1).Messages), len(model.call(0).Messages))
}

func TestEngine_MCPToolFailureContinues(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID:           agentID,
		SystemPrompt: "sys",
		Tools: []ToolDescriptor{{
			Kind: ToolKindMCP,
			Name: "search_issues",
			MCP:  &MCPTarget{ToolsetID: uuid.New(), RemoteName: "search"},
		}},
	}}
	model := &scriptedModel{steps: []scriptedStep{
		toolStep(call("call_0", "search_issues", map[string]any{"q": "open bugs"})),
		textStep("I could not reach the issue tracker."),
	}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{
		Model:     model,
		Retriever: &fakeRetriever{},
		Agents:    agents,
		History:   history,
		MCP: &fakeMCP{fn: func(uuid.UUID, string, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("connection refused")
		}},
	})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "any open bugs?")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)

	// The failure is a result the model reacts to, never a turn failure.
	assert.False(t, rec.Failed)
	assert.Equal(t, "I could not reach the issue tracker.", rec.Answer)
	require.Len(t, rec.Steps, 1)
	require.NotNil(t, rec.Steps[0].Err)
	assert.Equal(t, ToolErrorExecution, rec.Steps[0].Err.Kind)

	var resultEv *Event
	for i := range events {
		if events[i].Status == StatusToolResult {
			resultEv = &events[i]
		}
	}
	require.NotNil(t, resultEv)
	assert.Contains(t, resultEv.ToolResult, `"kind":"execution"`)
	assert.Contains(t, resultEv.ToolResult, "connection refused")
}

func TestEngine_AgentDelegationWithCycleRejection(t *testing.T) {
	t.Parallel()

	aID, bID := uuid.New(), uuid.New()
	agents := fakeAgentStore{
		aID: {
			ID: aID, Name: "planner", SystemPrompt: "plan",
			Tools: []ToolDescriptor{{Kind: ToolKindAgent, Name: "ask_researcher", Agent: &AgentTarget{TargetAgentID: bID}}},
		},
		bID: {
			ID: bID, Name: "researcher", SystemPrompt: "research",
			Tools: []ToolDescriptor{{Kind: ToolKindAgent, Name: "ask_planner", Agent: &AgentTarget{TargetAgentID: aID}}},
		},
	}
	// The planner delegates to the researcher; the researcher tries to
	// delegate straight back, which the recursion guard rejects, so it
	// answers on its own and the planner composes the final reply.
	model := &scriptedModel{steps: []scriptedStep{
		toolStep(call("c1", "ask_researcher", map[string]any{"query": "find the figures"})),
		toolStep(call("c2", "ask_planner", map[string]any{"query": "what was the plan?"})),
		textStep("figures: 12M"),
		textStep("Per the researcher, the figures are 12M."),
	}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), aID, "get me the figures")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	assert.False(t, rec.Failed)
	assert.Equal(t, "Per the researcher, the figures are 12M.", rec.Answer)
	assert.Equal(t, 4, model.callCount())

	// Only the top-level turn records steps and persists; the sub-turn's
	// answer arrives as the delegation tool's result.
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "ask_researcher", rec.Steps[0].ToolName)
	assert.JSONEq(t, `"figures: 12M"`, string(rec.Steps[0].Result))
	assert.Len(t, waitPersisted(t, history, 1), 1)

	for _, ev := range events {
		if ev.Status == StatusToolResult {
			assert.JSONEq(t, `"figures: 12M"`, ev.ToolResult)
		}
	}
}

func TestEngine_SelfDelegationRejected(t *testing.T) {
	t.Parallel()

	aID := uuid.New()
	agents := fakeAgentStore{aID: {
		ID: aID, SystemPrompt: "sys",
		Tools: []ToolDescriptor{{Kind: ToolKindAgent, Name: "ask_self", Agent: &AgentTarget{TargetAgentID: aID}}},
	}}
	model := &scriptedModel{steps: []scriptedStep{
		toolStep(call("c1", "ask_self", map[string]any{"query": "again"})),
		textStep("I will answer directly."),
	}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), aID, "q")
	require.NoError(t, err)

	_, rec := collect(stream)
	require.NotNil(t, rec)
	assert.False(t, rec.Failed)
	require.Len(t, rec.Steps, 1)
	require.NotNil(t, rec.Steps[0].Err)
	assert.Equal(t, ToolErrorRecursion, rec.Steps[0].Err.Kind)
	// No sub-turn ran: two generations, both for the top-level agent.
	assert.Equal(t, 2, model.callCount())
}

func TestEngine_IterationLimitForcesFinalAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {
		ID: agentID, SystemPrompt: "sys",
		Tools: []ToolDescriptor{{
			Kind: ToolKindWebhook, Name: "probe",
			Webhook: &WebhookTarget{URLTemplate: srv.URL},
		}},
	}}
	model := &scriptedModel{steps: []scriptedStep{
		toolStep(call("c1", "probe", map[string]any{})),
		toolStep(call("c2", "probe", map[string]any{})),
		textStep("best effort answer"),
	}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{
		Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history,
		MaxToolIterations: 2,
	})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "q")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	assert.True(t, rec.Truncated)
	assert.Equal(t, "best effort answer", rec.Answer)
	assert.Len(t, rec.Steps, 2)

	// The capped generation is forced toolless.
	require.Equal(t, 3, model.callCount())
	assert.NotEmpty(t, model.call(0).Tools)
	assert.NotEmpty(t, model.call(1).Tools)
	assert.Empty(t, model.call(2).Tools)

	last := events[len(events)-1]
	require.Equal(t, StatusEndTurn, last.Status)
	assert.Contains(t, last.Info, "tool iteration limit reached")
}

func TestEngine_EmptyAnswerFallback(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {ID: agentID, SystemPrompt: "sys"}}
	model := &scriptedModel{steps: []scriptedStep{textStep("   ")}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "q")
	require.NoError(t, err)

	_, rec := collect(stream)
	require.NotNil(t, rec)
	assert.Equal(t, FallbackResponseMessage, rec.Answer)
	assert.False(t, rec.Failed)
}

func TestEngine_ModelErrorFailsTurn(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {ID: agentID, SystemPrompt: "sys"}}
	model := &scriptedModel{steps: []scriptedStep{{err: errors.New("provider quota exceeded")}}}
	history := &fakeHistoryStore{}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "q")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	assert.True(t, rec.Failed)
	assert.Contains(t, rec.Error, "provider quota exceeded")

	require.Len(t, events, 1)
	assert.Equal(t, StatusError, events[0].Status)
	assert.Contains(t, events[0].Error, "provider quota exceeded")

	// Failed turns still leave a transcript.
	persisted := waitPersisted(t, history, 1)
	assert.True(t, persisted[0].Failed)
}

func TestEngine_PersistFailureDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	agents := fakeAgentStore{agentID: {ID: agentID, SystemPrompt: "sys"}}
	model := &scriptedModel{steps: []scriptedStep{textStep("done")}}
	history := &fakeHistoryStore{appendErr: errors.New("postgres unavailable")}
	eng := newTestEngine(t, Config{Model: model, Retriever: &fakeRetriever{}, Agents: agents, History: history})

	stream, err := eng.StartTurn(context.Background(), uuid.New(), agentID, "q")
	require.NoError(t, err)

	events, rec := collect(stream)
	require.NotNil(t, rec)
	assert.False(t, rec.Failed)
	assert.Equal(t, "done", rec.Answer)
	assert.Equal(t, StatusEndTurn, events[len(events)-1].Status)
}

func TestEngine_UnknownAgent(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, Config{
		Model:     &scriptedModel{},
		Retriever: &fakeRetriever{},
		Agents:    fakeAgentStore{},
		History:   &fakeHistoryStore{},
	})

	_, err := eng.StartTurn(context.Background(), uuid.New(), uuid.New(), "q")
	require.ErrorIs(t, err, ErrAgentNotFound)
}
