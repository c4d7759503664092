package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/internal/mcppool"
)

// MCPEndpoint returns the dialing configuration of an MCP toolset. It has
// the mcppool.ResolveFunc shape so the pool can use it directly.
func (s *Store) MCPEndpoint(ctx context.Context, toolsetID uuid.UUID) (mcppool.Endpoint, error) {
	var (
		kind   string
		config json.RawMessage
	)
	err := s.pool.QueryRow(ctx,
		`SELECT kind, config FROM toolsets WHERE id = $1`, toolsetID,
	).Scan(&kind, &config)
	if errors.Is(err, pgx.ErrNoRows) {
		return mcppool.Endpoint{}, fmt.Errorf("toolset %s not found", toolsetID)
	}
	if err != nil {
		return mcppool.Endpoint{}, fmt.Errorf("loading toolset: %w", err)
	}
	if kind != "mcp" {
		return mcppool.Endpoint{}, fmt.Errorf("toolset %s has kind %q, not mcp", toolsetID, kind)
	}

	var endpoint mcppool.Endpoint
	if err := json.Unmarshal(config, &endpoint); err != nil {
		return mcppool.Endpoint{}, fmt.Errorf("decoding toolset config: %w", err)
	}
	return endpoint, nil
}
