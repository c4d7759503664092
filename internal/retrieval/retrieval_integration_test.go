package retrieval_test

import (
	"context"
	"math"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/testutil"
)

// mockEmbedder implements ai.Embedder with a fixed vector, so search results
// depend only on the stored chunk embeddings.
type mockEmbedder struct {
	vector []float32
	err    error
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

func (m *mockEmbedder) Register(api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, _ *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &ai.EmbedResponse{Embeddings: []*ai.Embedding{{Embedding: m.vector}}}, nil
}

// basisVector returns a unit vector along axis i, optionally mixed with the
// 0 axis by weight w (0 = pure axis i, 1 = pure axis 0).
func basisVector(i int, w float64) []float32 {
	v := make([]float32, retrieval.VectorDimension)
	v[i] = float32(math.Sqrt(1 - w*w))
	v[0] += float32(w)
	return v
}

func seedKB(t *testing.T, db *testutil.TestDB, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := db.Pool.QueryRow(context.Background(),
		`INSERT INTO knowledge_bases (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedChunk(t *testing.T, db *testutil.TestDB, kbID uuid.UUID, fileName, content string, seq int, vec []float32) {
	t.Helper()
	_, err := db.Pool.Exec(context.Background(),
		`INSERT INTO knowledge_chunks (knowledge_base_id, file_id, file_name, page_number, seq_num, content, embedding)
		 VALUES ($1, $2, $3, 1, $4, $5, $6)`,
		kbID, "file-"+fileName, fileName, seq, content, pgvector.NewVector(vec))
	require.NoError(t, err)
}

func TestClient_Search(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	kbA := seedKB(t, db, "kb-a")
	kbB := seedKB(t, db, "kb-b")

	// Query vector is the 0 axis; exact > mixed > orthogonal.
	seedChunk(t, db, kbA, "a.pdf", "exact match", 1, basisVector(0, 0))
	seedChunk(t, db, kbA, "a.pdf", "close match", 2, basisVector(1, 0.7))
	seedChunk(t, db, kbA, "b.pdf", "weak match", 1, basisVector(1, 0))
	// Identical to the best chunk, but in a KB the agent is not attached to.
	seedChunk(t, db, kbB, "other.pdf", "unreachable", 1, basisVector(0, 0))

	client, err := retrieval.New(db.Pool, &mockEmbedder{vector: basisVector(0, 0)}, 2, log.NewNop())
	require.NoError(t, err)

	passages, err := client.Search(ctx, "anything", []uuid.UUID{kbA})
	require.NoError(t, err)

	// topK caps the result set; ranking is by cosine similarity.
	require.Len(t, passages, 2)
	assert.Equal(t, "exact match", passages[0].Content)
	assert.Equal(t, "close match", passages[1].Content)
	assert.Greater(t, passages[0].Score, passages[1].Score)
	assert.Equal(t, "a.pdf", passages[0].FileName)
	assert.Equal(t, "file-a.pdf", passages[0].FileID)
}

func TestClient_Search_EmptyInputs(t *testing.T) {
	db := testutil.SetupTestDB(t)

	client, err := retrieval.New(db.Pool, &mockEmbedder{vector: basisVector(0, 0)}, 0, log.NewNop())
	require.NoError(t, err)

	passages, err := client.Search(context.Background(), "", []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, passages)

	passages, err = client.Search(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestClient_Search_BadEmbeddingDimension(t *testing.T) {
	db := testutil.SetupTestDB(t)

	client, err := retrieval.New(db.Pool, &mockEmbedder{vector: []float32{1, 0}}, 4, log.NewNop())
	require.NoError(t, err)

	_, err = client.Search(context.Background(), "q", []uuid.UUID{uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}
