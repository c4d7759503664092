package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcExecutor adapts a function to the Executor interface for tests.
type funcExecutor func(ctx context.Context, req ToolCallRequest) ToolCallResult

func (f funcExecutor) Invoke(ctx context.Context, _ *ExecutionContext, _ *ToolDescriptor, req ToolCallRequest) ToolCallResult {
	return f(ctx, req)
}

func testExecContext(tools ...ToolDescriptor) *ExecutionContext {
	return &ExecutionContext{
		TurnID: uuid.New(),
		Agent:  &AgentConfig{ID: uuid.New(), Name: "test", Tools: tools},
	}
}

func webhookTool(name string) ToolDescriptor {
	return ToolDescriptor{Kind: ToolKindWebhook, Name: name, Webhook: &WebhookTarget{URLTemplate: "http://unused"}}
}

func TestDispatch_PreservesRequestOrder(t *testing.T) {
	t.Parallel()

	const n = 12
	tools := make([]ToolDescriptor, n)
	reqs := make([]ToolCallRequest, n)
	for i := range n {
		name := fmt.Sprintf("tool_%d", i)
		tools[i] = webhookTool(name)
		reqs[i] = call(fmt.Sprintf("ref_%d", i), name, map[string]any{})
	}

	exec := testExecContext(tools...)
	executor := funcExecutor(func(_ context.Context, req ToolCallRequest) ToolCallResult {
		// Randomized completion order.
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: json.RawMessage(fmt.Sprintf("%q", req.Name))}
	})

	d := NewDispatcher(map[ToolKind]Executor{ToolKindWebhook: executor}, 4, time.Second, testLogger())
	results := d.Dispatch(context.Background(), exec, reqs, nil)

	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("ref_%d", i), r.Ref)
		assert.Equal(t, fmt.Sprintf("tool_%d", i), r.Name)
		require.Nil(t, r.Err)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()

	exec := testExecContext(webhookTool("known"))
	d := NewDispatcher(map[ToolKind]Executor{
		ToolKindWebhook: funcExecutor(func(_ context.Context, req ToolCallRequest) ToolCallResult {
			return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: json.RawMessage(`"ok"`)}
		}),
	}, 4, time.Second, testLogger())

	results := d.Dispatch(context.Background(), exec, []ToolCallRequest{
		call("r1", "known", map[string]any{}),
		call("r2", "missing", map[string]any{}),
	}, nil)

	require.Len(t, results, 2)
	assert.Nil(t, results[0].Err)
	require.NotNil(t, results[1].Err)
	assert.Equal(t, ToolErrorUnknownTool, results[1].Err.Kind)
}

func TestDispatch_ParallelismBound(t *testing.T) {
	t.Parallel()

	const bound = 3
	var inFlight, maxSeen atomic.Int32

	tools := make([]ToolDescriptor, 10)
	reqs := make([]ToolCallRequest, 10)
	for i := range 10 {
		name := fmt.Sprintf("tool_%d", i)
		tools[i] = webhookTool(name)
		reqs[i] = call(fmt.Sprintf("ref_%d", i), name, map[string]any{})
	}
	exec := testExecContext(tools...)

	executor := funcExecutor(func(_ context.Context, req ToolCallRequest) ToolCallResult {
		cur := inFlight.Add(1)
		for {
			seen := maxSeen.Load()
			if cur <= seen || maxSeen.CompareAndSwap(seen, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: json.RawMessage(`"ok"`)}
	})

	d := NewDispatcher(map[ToolKind]Executor{ToolKindWebhook: executor}, bound, time.Second, testLogger())
	d.Dispatch(context.Background(), exec, reqs, nil)

	assert.LessOrEqual(t, maxSeen.Load(), int32(bound))
}

func TestDispatch_EmitsPerCallEvents(t *testing.T) {
	t.Parallel()

	exec := testExecContext(webhookTool("lookup"))
	d := NewDispatcher(map[ToolKind]Executor{
		ToolKindWebhook: funcExecutor(func(_ context.Context, req ToolCallRequest) ToolCallResult {
			return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: json.RawMessage(`{"ok":true}`)}
		}),
	}, 1, time.Second, testLogger())

	var mu sync.Mutex
	var events []Event
	d.Dispatch(context.Background(), exec, []ToolCallRequest{call("r1", "lookup", map[string]any{})}, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.Len(t, events, 2)
	assert.Equal(t, StatusToolRunning, events[0].Status)
	assert.Equal(t, StatusToolResult, events[1].Status)
	assert.JSONEq(t, `{"ok":true}`, events[1].ToolResult)
}

func TestDispatch_TimeoutClassified(t *testing.T) {
	t.Parallel()

	exec := testExecContext(webhookTool("slow"))
	d := NewDispatcher(map[ToolKind]Executor{
		ToolKindWebhook: funcExecutor(func(ctx context.Context, req ToolCallRequest) ToolCallResult {
			<-ctx.Done()
			return errorResult(req, ToolErrorExecution, "interrupted")
		}),
	}, 1, 20*time.Millisecond, testLogger())

	results := d.Dispatch(context.Background(), exec, []ToolCallRequest{call("r1", "slow", map[string]any{})}, nil)

	require.NotNil(t, results[0].Err)
	assert.Equal(t, ToolErrorTimeout, results[0].Err.Kind)
}
