package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/log"
)

func testLogger() log.Logger { return log.NewNop() }

// Test doubles shared by the engine tests. The scripted model replays a
// queue of generation outcomes so orchestrator scenarios are deterministic.

type scriptedStep struct {
	// thoughts are streamed as reasoning fragments, then chunks as answer
	// fragments, before the result is returned.
	thoughts []string
	chunks   []string
	res      *GenerateResult
	err      error
}

type scriptedModel struct {
	mu    sync.Mutex
	steps []scriptedStep
	// calls records every request for assertions.
	calls []*GenerateRequest
}

func (m *scriptedModel) Generate(ctx context.Context, req *GenerateRequest, onChunk ChunkFunc) (*GenerateResult, error) {
	m.mu.Lock()
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("scripted model exhausted after %d calls", len(m.calls))
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if onChunk != nil {
		for _, c := range step.thoughts {
			if err := onChunk(c, true); err != nil {
				return nil, err
			}
		}
		for _, c := range step.chunks {
			if err := onChunk(c, false); err != nil {
				return nil, err
			}
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.res, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *scriptedModel) call(i int) *GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func textStep(text string, chunks ...string) scriptedStep {
	return scriptedStep{
		chunks: chunks,
		res:    &GenerateResult{Text: text, Usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolStep(reqs ...ToolCallRequest) scriptedStep {
	return scriptedStep{
		res: &GenerateResult{ToolRequests: reqs, Usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func call(ref, name string, args any) ToolCallRequest {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return ToolCallRequest{Ref: ref, Name: name, Args: raw}
}

type fakeRetriever struct {
	mu       sync.Mutex
	passages []Passage
	err      error
	queries  []string
}

func (r *fakeRetriever) Search(_ context.Context, query string, _ []uuid.UUID) ([]Passage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	if r.err != nil {
		return nil, r.err
	}
	return r.passages, nil
}

type fakeAgentStore map[uuid.UUID]*AgentConfig

func (s fakeAgentStore) LoadAgent(_ context.Context, agentID uuid.UUID) (*AgentConfig, error) {
	agent, ok := s[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

type fakeHistoryStore struct {
	mu        sync.Mutex
	messages  []Message
	appendErr error
	appended  []*TurnRecord
}

func (s *fakeHistoryStore) LoadRecentMessages(_ context.Context, _ uuid.UUID, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.messages) > limit {
		return s.messages[len(s.messages)-limit:], nil
	}
	return s.messages, nil
}

func (s *fakeHistoryStore) AppendTurn(_ context.Context, _ uuid.UUID, rec *TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, rec)
	return nil
}

func (s *fakeHistoryStore) records() []*TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*TurnRecord(nil), s.appended...)
}

type fakeMCP struct {
	fn func(toolsetID uuid.UUID, remoteName string, args json.RawMessage) (json.RawMessage, error)
}

func (m *fakeMCP) CallTool(_ context.Context, toolsetID uuid.UUID, remoteName string, args json.RawMessage) (json.RawMessage, error) {
	return m.fn(toolsetID, remoteName, args)
}

// collect drains a stream, returning all events and the final record.
func collect(s *Stream) ([]Event, *TurnRecord) {
	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events, s.Record()
}

func statuses(events []Event) []Status {
	out := make([]Status, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}
