package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/store"
)

func newTestIndex(t *testing.T) *VectorIndex {
	t.Helper()
	idx, err := NewVectorIndex(app.EmbeddingConfig{Dimensions: 256}, NewEmbedder(app.EmbeddingConfig{Dimensions: 256}), nil)
	require.NoError(t, err)
	return idx
}

func TestVectorIndexQuery(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "tenant-a", "chk_1", "database replication lag and failover drills"))
	require.NoError(t, idx.Index(ctx, "tenant-a", "chk_2", "sourdough starter feeding schedule"))
	require.NoError(t, idx.Index(ctx, "tenant-a", "chk_3", "replication failover runbook for the database"))

	ids, err := idx.Query(ctx, "tenant-a", "database replication failover", 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotContains(t, ids, "chk_2")
}

func TestVectorIndexTenantIsolation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "tenant-a", "chk_a", "retention policy for archived events"))

	ids, err := idx.Query(ctx, "tenant-b", "retention policy", 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestVectorIndexQueryEmptyCollection(t *testing.T) {
	idx := newTestIndex(t)
	ids, err := idx.Query(context.Background(), "tenant-a", "anything", 3)
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestBackfillMarksChunksEmbedded(t *testing.T) {
	db := openTestDB(t)
	idx := newTestIndex(t)

	old := time.Now().UTC().Add(-time.Hour)
	c1 := seedChunk(t, db, "tenant-a", seed{text: "first chunk awaiting a vector", createdAt: old})
	c2 := seedChunk(t, db, "tenant-a", seed{text: "second chunk awaiting a vector", createdAt: old})

	done, err := idx.Backfill(context.Background(), db, "tenant-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	for _, id := range []string{c1.ID, c2.ID} {
		c, err := store.GetChunk(db, "tenant-a", id)
		require.NoError(t, err)
		assert.True(t, c.Embedded, "chunk %s", id)
	}

	done, err = idx.Backfill(context.Background(), db, "tenant-a", 10)
	require.NoError(t, err)
	assert.Zero(t, done)
}
