package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Verifies the container setup end to end: pgvector installed, migrations
// applied, all tables present.
func TestSetupTestDB(t *testing.T) {
	tdb := SetupTestDB(t)
	ctx := t.Context()

	require.NoError(t, tdb.Pool.Ping(ctx))

	var hasVector bool
	require.NoError(t, tdb.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&hasVector))
	assert.True(t, hasVector, "pgvector extension should be installed")

	tables := []string{
		"agents", "toolsets", "tools", "agent_tools",
		"knowledge_bases", "agent_knowledge_bases", "knowledge_chunks",
		"chats", "messages",
	}
	for _, table := range tables {
		var exists bool
		require.NoError(t, tdb.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
			table).Scan(&exists))
		assert.True(t, exists, "table %s should exist", table)
	}
}
