package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/internal/engine"
)

// webhookToolConfig is the JSONB shape of a webhook tool's config column.
type webhookToolConfig struct {
	URLTemplate string            `json:"url_template"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	PathSchema  json.RawMessage   `json:"path_schema"`
	QuerySchema json.RawMessage   `json:"query_schema"`
	BodySchema  json.RawMessage   `json:"body_schema"`
}

// mcpToolConfig is the JSONB shape of an MCP tool's config column. The
// endpoint lives on the toolset; the tool row only maps the local name to
// the remote one.
type mcpToolConfig struct {
	RemoteName string `json:"remote_name"`
}

// agentToolConfig is the JSONB shape of a delegation tool's config column.
type agentToolConfig struct {
	TargetAgentID uuid.UUID `json:"target_agent_id"`
}

// LoadAgent loads the immutable per-turn snapshot of an agent: its row, the
// tools attached through toolsets, and the knowledge-base ids. It implements
// engine.AgentStore.
func (s *Store) LoadAgent(ctx context.Context, agentID uuid.UUID) (*engine.AgentConfig, error) {
	agent := &engine.AgentConfig{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, system_prompt, contextualize_prompt,
		        model, temperature, max_response_tokens, history_message_count
		 FROM agents WHERE id = $1`, agentID,
	).Scan(&agent.ID, &agent.Name, &agent.Description, &agent.SystemPrompt,
		&agent.ContextualizePrompt, &agent.Model, &agent.Temperature,
		&agent.MaxResponseTokens, &agent.HistoryMessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent row: %w", err)
	}

	if agent.Tools, err = s.loadAgentTools(ctx, agentID); err != nil {
		return nil, err
	}
	if agent.KnowledgeBaseIDs, err = s.loadAgentKnowledgeBases(ctx, agentID); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Store) loadAgentTools(ctx context.Context, agentID uuid.UUID) ([]engine.ToolDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.name, t.description, t.input_schema, t.config, ts.id, ts.kind
		 FROM agent_tools at
		 JOIN tools t ON t.id = at.tool_id
		 JOIN toolsets ts ON ts.id = t.toolset_id
		 WHERE at.agent_id = $1
		 ORDER BY t.name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent tools: %w", err)
	}
	defer rows.Close()

	var tools []engine.ToolDescriptor
	for rows.Next() {
		var (
			name, description string
			inputSchema       json.RawMessage
			toolConfig        json.RawMessage
			toolsetID         uuid.UUID
			kind              string
		)
		if err := rows.Scan(&name, &description, &inputSchema, &toolConfig, &toolsetID, &kind); err != nil {
			return nil, fmt.Errorf("scanning tool row: %w", err)
		}
		desc, err := decodeTool(engine.ToolKind(kind), name, description, inputSchema, toolConfig, toolsetID)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		tools = append(tools, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return tools, nil
}

func decodeTool(kind engine.ToolKind, name, description string,
	inputSchema, config json.RawMessage, toolsetID uuid.UUID) (engine.ToolDescriptor, error) {

	desc := engine.ToolDescriptor{
		Kind:        kind,
		Name:        engine.NormalizeToolName(name),
		Description: description,
		InputSchema: inputSchema,
	}

	switch kind {
	case engine.ToolKindWebhook:
		var cfg webhookToolConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return desc, fmt.Errorf("decoding webhook config: %w", err)
		}
		if cfg.URLTemplate == "" {
			return desc, fmt.Errorf("webhook config has no url_template")
		}
		desc.Webhook = &engine.WebhookTarget{
			URLTemplate: cfg.URLTemplate,
			Method:      cfg.Method,
			Headers:     cfg.Headers,
			PathSchema:  cfg.PathSchema,
			QuerySchema: cfg.QuerySchema,
			BodySchema:  cfg.BodySchema,
		}

	case engine.ToolKindMCP:
		var cfg mcpToolConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return desc, fmt.Errorf("decoding mcp config: %w", err)
		}
		remote := cfg.RemoteName
		if remote == "" {
			remote = name
		}
		desc.MCP = &engine.MCPTarget{ToolsetID: toolsetID, RemoteName: remote}

	case engine.ToolKindAgent:
		var cfg agentToolConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return desc, fmt.Errorf("decoding agent config: %w", err)
		}
		if cfg.TargetAgentID == uuid.Nil {
			return desc, fmt.Errorf("agent config has no target_agent_id")
		}
		desc.Agent = &engine.AgentTarget{TargetAgentID: cfg.TargetAgentID}

	default:
		return desc, fmt.Errorf("unknown tool kind %q", kind)
	}
	return desc, nil
}

func (s *Store) loadAgentKnowledgeBases(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT knowledge_base_id FROM agent_knowledge_bases WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent knowledge bases: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning knowledge base id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge base rows: %w", err)
	}
	return ids, nil
}
