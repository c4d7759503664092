package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleyhq/parley/internal/engine"
)

// foreignKeyViolation is the PostgreSQL SQLSTATE for FK failures.
const foreignKeyViolation = "23503"

// Chat is one conversation bound to an agent.
type Chat struct {
	ID        uuid.UUID `json:"id"`
	AgentID   uuid.UUID `json:"agent_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is one persisted turn as served by the chat API.
type StoredMessage struct {
	ID        uuid.UUID       `json:"id"`
	Question  string          `json:"question"`
	Answer    string          `json:"answer"`
	Steps     json.RawMessage `json:"steps"`
	Usage     json.RawMessage `json:"usage"`
	Truncated bool            `json:"truncated"`
	Failed    bool            `json:"failed"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateChat opens a new conversation with the given agent.
func (s *Store) CreateChat(ctx context.Context, agentID uuid.UUID, title string) (*Chat, error) {
	chat := &Chat{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chats (agent_id, title) VALUES ($1, $2)
		 RETURNING id, agent_id, title, created_at, updated_at`,
		agentID, title,
	).Scan(&chat.ID, &chat.AgentID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return nil, engine.ErrAgentNotFound
		}
		return nil, fmt.Errorf("creating chat: %w", err)
	}

	s.logger.Debug("created chat", "chat_id", chat.ID, "agent_id", agentID)
	return chat, nil
}

// GetChat returns one chat by id.
func (s *Store) GetChat(ctx context.Context, chatID uuid.UUID) (*Chat, error) {
	chat := &Chat{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, title, created_at, updated_at FROM chats WHERE id = $1`,
		chatID,
	).Scan(&chat.ID, &chat.AgentID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}
	return chat, nil
}

// ListChats returns chats ordered by most recent activity.
func (s *Store) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, title, created_at, updated_at
		 FROM chats ORDER BY updated_at DESC, id DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	chats := make([]Chat, 0, limit)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}
	return chats, nil
}

// ListMessages returns a chat's full transcript, oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID uuid.UUID) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, answer, steps, usage, truncated, failed, created_at
		 FROM messages WHERE chat_id = $1
		 ORDER BY created_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.Question, &m.Answer, &m.Steps, &m.Usage,
			&m.Truncated, &m.Failed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}
