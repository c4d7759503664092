// Package retrieval implements the knowledge-base retrieval client: query
// embedding via genkit and cosine-similarity search over pgvector chunks.
package retrieval

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/log"
)

// VectorDimension must match the vector(768) column in knowledge_chunks.
const VectorDimension = 768

// defaultTopK bounds the result set when no explicit top-k is configured.
const defaultTopK = 8

// Client searches knowledge-base chunks by embedding the query and ranking
// chunks by cosine distance. It implements engine.Retriever.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	topK     int
	logger   log.Logger
}

// New creates a retrieval Client.
func New(pool *pgxpool.Pool, embedder ai.Embedder, topK int, logger log.Logger) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Client{pool: pool, embedder: embedder, topK: topK, logger: logger}, nil
}

// Search returns the topK chunks closest to query across the given
// knowledge bases, best match first. An empty result is a valid outcome.
func (c *Client) Search(ctx context.Context, query string, knowledgeBaseIDs []uuid.UUID) ([]engine.Passage, error) {
	if query == "" || len(knowledgeBaseIDs) == 0 {
		return nil, nil
	}

	vec, err := c.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := c.pool.Query(ctx,
		`SELECT content, file_id, file_name, page_number, seq_num,
		        1 - (embedding <=> $1) AS score
		 FROM knowledge_chunks
		 WHERE knowledge_base_id = ANY($2)
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		vec, knowledgeBaseIDs, c.topK)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var passages []engine.Passage
	for rows.Next() {
		var p engine.Passage
		if err := rows.Scan(&p.Content, &p.FileID, &p.FileName, &p.PageNumber, &p.SeqNum, &p.Score); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}

	c.logger.Debug("retrieval finished", "passages", len(passages), "kbs", len(knowledgeBaseIDs))
	return passages, nil
}

func (c *Client) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}
	embedding := resp.Embeddings[0].Embedding
	if len(embedding) != VectorDimension {
		return pgvector.Vector{}, fmt.Errorf("embedding dimension %d, want %d", len(embedding), VectorDimension)
	}
	return pgvector.NewVector(embedding), nil
}
