// Package store persists agent configuration snapshots and chat history in
// PostgreSQL. It implements the engine's AgentStore and HistoryStore
// collaborator interfaces on top of a pgx connection pool.
package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/log"
)

// ErrChatNotFound is returned when a chat id resolves to no row.
var ErrChatNotFound = errors.New("chat not found")

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Store{pool: pool, logger: logger}, nil
}
