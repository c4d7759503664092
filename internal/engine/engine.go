package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/log"
)

// FallbackResponseMessage is returned when the model produces an empty
// response with no tool requests.
const FallbackResponseMessage = "I apologize, but I couldn't generate a response. Please try rephrasing your question."

// persistTimeout bounds the background write of a finished turn.
const persistTimeout = 10 * time.Second

// Config contains all required parameters for the Engine.
type Config struct {
	Model     ModelClient
	Retriever Retriever
	Agents    AgentStore
	History   HistoryStore
	MCP       MCPCaller
	Logger    log.Logger

	// HTTPClient serves webhook tools; nil uses a default client.
	HTTPClient *http.Client

	// DefaultModel is used when an agent does not pin a model.
	DefaultModel string
	// ContextualizeModel, when set, handles the standalone-question rewrite
	// instead of the turn's model.
	ContextualizeModel string
	// QualifyModel maps a bare model name to the provider-qualified form;
	// nil means names are used as-is.
	QualifyModel func(string) string

	MaxToolIterations int
	MaxAgentDepth     int
	ToolTimeout       time.Duration
	SubturnTimeout    time.Duration
	ToolParallelism   int
	KeepaliveInterval time.Duration
	RetrievalTimeout  time.Duration
}

func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model client is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Agents == nil {
		return errors.New("agent store is required")
	}
	if cfg.History == nil {
		return errors.New("history store is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Engine drives conversational turns end to end: retrieval, generation,
// tool dispatch, streaming and persistence. One Engine serves all chats;
// each turn gets its own ExecutionContext and Stream.
type Engine struct {
	model      ModelClient
	retriever  Retriever
	agents     AgentStore
	history    HistoryStore
	dispatcher *Dispatcher
	logger     log.Logger

	defaultModel       string
	contextualizeModel string
	qualifyModel       func(string) string

	maxToolIterations int
	maxAgentDepth     int
	subturnTimeout    time.Duration
	keepalive         time.Duration
	retrievalTimeout  time.Duration
}

// New creates an Engine. Zero-value limits get conservative defaults.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 5
	}
	if cfg.MaxAgentDepth <= 0 {
		cfg.MaxAgentDepth = 5
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.SubturnTimeout <= 0 {
		cfg.SubturnTimeout = 120 * time.Second
	}
	if cfg.ToolParallelism <= 0 {
		cfg.ToolParallelism = 4
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 5 * time.Second
	}

	e := &Engine{
		model:              cfg.Model,
		retriever:          cfg.Retriever,
		agents:             cfg.Agents,
		history:            cfg.History,
		logger:             cfg.Logger,
		defaultModel:       cfg.DefaultModel,
		contextualizeModel: cfg.ContextualizeModel,
		qualifyModel:       cfg.QualifyModel,
		maxToolIterations:  cfg.MaxToolIterations,
		maxAgentDepth:      cfg.MaxAgentDepth,
		subturnTimeout:     cfg.SubturnTimeout,
		keepalive:          cfg.KeepaliveInterval,
		retrievalTimeout:   cfg.RetrievalTimeout,
	}

	executors := map[ToolKind]Executor{
		ToolKindWebhook: NewWebhookExecutor(cfg.HTTPClient, cfg.Logger.With("executor", "webhook")),
		ToolKindAgent:   NewAgentExecutor(e, cfg.SubturnTimeout, cfg.Logger.With("executor", "agent")),
	}
	if cfg.MCP != nil {
		executors[ToolKindMCP] = NewMCPExecutor(cfg.MCP, cfg.Logger.With("executor", "mcp"))
	}
	e.dispatcher = NewDispatcher(executors, cfg.ToolParallelism, cfg.ToolTimeout, cfg.Logger.With("component", "dispatcher"))

	return e, nil
}

// StartTurn begins one turn and returns its event stream. The turn runs in
// its own goroutine; cancelling ctx (the transport disconnecting) stops
// further model calls and tool dispatches.
func (e *Engine) StartTurn(ctx context.Context, chatID, agentID uuid.UUID, question string) (*Stream, error) {
	agent, err := e.agents.LoadAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	history, err := e.history.LoadRecentMessages(ctx, chatID, agent.HistoryMessageCount)
	if err != nil {
		return nil, fmt.Errorf("loading history for chat %s: %w", chatID, err)
	}

	guard := NewGuard(e.maxAgentDepth)
	if err := guard.Enter(agentID); err != nil {
		return nil, err
	}

	exec := &ExecutionContext{
		TurnID:   uuid.New(),
		ChatID:   chatID,
		Agent:    agent,
		Question: question,
		History:  history,
		Guard:    guard,
		stream:   newStream(ctx, e.keepalive),
		acct:     &accountant{},
	}

	e.logger.Info("turn started",
		"turn_id", exec.TurnID,
		"chat_id", chatID,
		"agent", agent.Name)

	go func() {
		defer guard.Leave(agentID)
		e.run(ctx, exec)
	}()

	return exec.stream, nil
}

// run drives the turn state machine: retrieval, then generate/execute
// rounds until the model stops requesting tools or the iteration cap forces
// a final synthesis.
func (e *Engine) run(ctx context.Context, exec *ExecutionContext) {
	agent := exec.Agent
	rec := &TurnRecord{ChatID: exec.ChatID, AgentID: agent.ID, Question: exec.Question}
	var infos []string

	// RETRIEVING. Skipped entirely when no knowledge bases are attached;
	// a failed search degrades to an empty context instead of failing the
	// turn.
	var passages []Passage
	retrieved := len(agent.KnowledgeBaseIDs) > 0
	if retrieved {
		_ = exec.stream.send(Event{Status: StatusSearching, Info: "searching knowledge bases"})

		query := exec.Question
		if agent.ContextualizePrompt != "" {
			query = e.contextualize(ctx, exec)
		}

		rctx, cancel := context.WithTimeout(ctx, e.retrievalTimeout)
		found, err := e.retriever.Search(rctx, query, agent.KnowledgeBaseIDs)
		cancel()
		switch {
		case err != nil && ctx.Err() != nil:
			e.fail(ctx, exec, rec, ctx.Err())
			return
		case err != nil:
			e.logger.Warn("retrieval failed, continuing without context",
				"turn_id", exec.TurnID, "error", err)
			infos = append(infos, "retrieval unavailable; answered without document context")
		default:
			passages = found
		}
	}

	system := buildSystemPrompt(agent, passages, retrieved)
	msgs := buildMessages(exec.History, exec.Question)

	onChunk := func(fragment string, reasoning bool) error {
		if reasoning {
			return exec.stream.send(Event{Status: StatusThinking, Info: fragment})
		}
		return exec.stream.send(Event{Status: StatusResponse, Response: fragment})
	}

	// GENERATING loop.
	var finalText string
	for iter := 0; ; iter++ {
		force := iter >= e.maxToolIterations
		tools := agent.Tools
		if force {
			// Iteration cap reached: synthesize from what we have.
			tools = nil
			rec.Truncated = true
			infos = append(infos, "tool iteration limit reached; answer may be incomplete")
		}

		res, err := e.model.Generate(ctx, &GenerateRequest{
			Model:           e.modelName(agent),
			System:          system,
			Messages:        msgs,
			Temperature:     agent.Temperature,
			MaxOutputTokens: agent.MaxResponseTokens,
			Tools:           tools,
		}, onChunk)
		if err != nil {
			e.fail(ctx, exec, rec, err)
			return
		}
		exec.acct.addUsage(res.Usage)

		if force || len(res.ToolRequests) == 0 {
			finalText = res.Text
			break
		}

		// TOOLS_REQUESTED: announce the batch in request order.
		for _, tr := range res.ToolRequests {
			_ = exec.stream.send(Event{
				Status:   StatusToolCall,
				ToolName: tr.Name,
				ToolArgs: string(tr.Args),
			})
		}

		// EXECUTING_TOOLS.
		if res.Message != nil {
			msgs = append(msgs, res.Message)
		}
		results := e.dispatcher.Dispatch(ctx, exec, res.ToolRequests, func(ev Event) {
			_ = exec.stream.send(ev)
		})
		if ctx.Err() != nil {
			e.fail(ctx, exec, rec, ctx.Err())
			return
		}

		// RESULTS_INJECTED: one tool-response part per request, request
		// order, then back to GENERATING.
		parts := make([]*ai.Part, 0, len(results))
		for i, r := range results {
			step := TurnStep{ToolName: r.Name, Args: res.ToolRequests[i].Args, Duration: r.Duration}
			if r.Err != nil {
				step.Err = r.Err
			} else {
				step.Result = r.Output
			}
			exec.acct.addStep(step)

			parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
				Ref:    r.Ref,
				Name:   r.Name,
				Output: r.Payload(),
			}))
		}
		msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, parts...))
	}

	if strings.TrimSpace(finalText) == "" {
		e.logger.Warn("model returned empty response", "turn_id", exec.TurnID)
		finalText = FallbackResponseMessage
	}

	// FINALIZING.
	rec.Answer = finalText
	rec.Usage, rec.Steps = exec.acct.snapshot()
	exec.stream.closeWith(Event{Status: StatusEndTurn, Info: strings.Join(infos, "; ")}, rec)
	e.persist(ctx, exec, rec)
}

// fail moves the turn to its FAILED terminal state: one error event closes
// the stream and the partial transcript is still persisted for diagnostics.
func (e *Engine) fail(ctx context.Context, exec *ExecutionContext, rec *TurnRecord, err error) {
	e.logger.Error("turn failed", "turn_id", exec.TurnID, "error", err)
	rec.Failed = true
	rec.Error = err.Error()
	rec.Usage, rec.Steps = exec.acct.snapshot()
	exec.stream.closeWith(Event{Status: StatusError, Error: err.Error()}, rec)
	e.persist(ctx, exec, rec)
}

// persist writes the turn record. The answer has already been streamed, so
// a write failure is reported as a background error, never rolled back into
// the stream. Sub-turns (empty chat id guard aside, they reuse the parent
// chat) are persisted only at the top level, flagged by the caller.
func (e *Engine) persist(ctx context.Context, exec *ExecutionContext, rec *TurnRecord) {
	if exec.subTurn {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.history.AppendTurn(pctx, exec.ChatID, rec); err != nil {
		e.logger.Error("failed to persist turn record",
			"turn_id", exec.TurnID,
			"chat_id", exec.ChatID,
			"error", err)
	}
}

// contextualize rewrites the question into a standalone retrieval query
// using the agent's contextualize prompt. Any failure falls back to the raw
// question.
func (e *Engine) contextualize(ctx context.Context, exec *ExecutionContext) string {
	model := e.contextualizeModel
	if model == "" {
		model = e.modelName(exec.Agent)
	} else if e.qualifyModel != nil {
		model = e.qualifyModel(model)
	}
	res, err := e.model.Generate(ctx, &GenerateRequest{
		Model:    model,
		System:   exec.Agent.ContextualizePrompt,
		Messages: buildMessages(exec.History, exec.Question),
	}, nil)
	if err != nil {
		e.logger.Debug("contextualize rewrite failed, using raw question",
			"turn_id", exec.TurnID, "error", err)
		return exec.Question
	}
	exec.acct.addUsage(res.Usage)
	if strings.TrimSpace(res.Text) == "" {
		return exec.Question
	}
	return strings.TrimSpace(res.Text)
}

// runSubTurn executes a delegated agent turn synchronously: fresh execution
// context, one-shot empty history, events discarded, answer returned via
// the record. The parent's guard rides along so cycle and depth checks span
// the whole delegation chain.
func (e *Engine) runSubTurn(ctx context.Context, parent *ExecutionContext, targetID uuid.UUID, question string) (*TurnRecord, error) {
	agent, err := e.agents.LoadAgent(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", targetID, err)
	}

	exec := &ExecutionContext{
		TurnID:   uuid.New(),
		ChatID:   parent.ChatID,
		Agent:    agent,
		Question: question,
		Guard:    parent.Guard,
		stream:   newStream(ctx, 0),
		acct:     &accountant{},
		subTurn:  true,
	}

	go e.run(ctx, exec)
	for range exec.stream.Events() {
		// Sub-turn progress is not streamed to the caller; only the final
		// answer matters.
	}
	return exec.stream.Record(), nil
}

func (e *Engine) modelName(agent *AgentConfig) string {
	name := agent.Model
	if name == "" {
		name = e.defaultModel
	}
	if e.qualifyModel != nil {
		return e.qualifyModel(name)
	}
	return name
}
