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

// defaultHistoryMessages bounds the history window when the agent does not
// set one.
const defaultHistoryMessages = 20

// LoadRecentMessages returns the last limit conversation messages for a
// chat, oldest first. One persisted turn expands into a user/assistant pair;
// failed turns are excluded so broken answers never feed back into context.
// It implements engine.HistoryStore.
func (s *Store) LoadRecentMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]engine.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryMessages
	}
	turnLimit := (limit + 1) / 2

	rows, err := s.pool.Query(ctx,
		`SELECT question, answer FROM (
		   SELECT question, answer, created_at, id
		   FROM messages
		   WHERE chat_id = $1 AND failed = FALSE
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent ORDER BY created_at ASC, id ASC`,
		chatID, turnLimit)
	if err != nil {
		return nil, fmt.Errorf("loading chat history: %w", err)
	}
	defer rows.Close()

	msgs := make([]engine.Message, 0, 2*turnLimit)
	for rows.Next() {
		var question, answer string
		if err := rows.Scan(&question, &answer); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		msgs = append(msgs,
			engine.Message{Role: "user", Content: question},
			engine.Message{Role: "assistant", Content: answer})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// AppendTurn persists one finished turn as a message row and bumps the
// chat's updated_at, atomically. It implements engine.HistoryStore.
func (s *Store) AppendTurn(ctx context.Context, chatID uuid.UUID, rec *engine.TurnRecord) error {
	steps := rec.Steps
	if steps == nil {
		steps = []engine.TurnStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encoding turn steps: %w", err)
	}
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("encoding turn usage: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE chats SET updated_at = now() WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("touching chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (chat_id, question, answer, steps, usage, truncated, failed, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		chatID, rec.Question, rec.Answer, stepsJSON, usageJSON,
		rec.Truncated, rec.Failed, rec.Error)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}
	return nil
}
