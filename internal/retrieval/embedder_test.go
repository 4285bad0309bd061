package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/mnemo/internal/app"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	emb := NewEmbedder(app.EmbeddingConfig{Dimensions: 1024})
	require.Equal(t, "hash", emb.Name())

	ctx := context.Background()
	a1, err := emb.Embed(ctx, "deterministic retrieval scoring")
	require.NoError(t, err)
	a2, err := emb.Embed(ctx, "deterministic retrieval scoring")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 1024)

	b, err := emb.Embed(ctx, "completely unrelated grocery list")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestHashEmbedderUnitNorm(t *testing.T) {
	emb := NewEmbedder(app.EmbeddingConfig{Dimensions: 256})
	vec, err := emb.Embed(context.Background(), "vectors should land on the unit sphere")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	emb := NewEmbedder(app.EmbeddingConfig{Dimensions: 64})
	vec, err := emb.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, vec, 64)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestNewEmbedderSelectsHTTP(t *testing.T) {
	emb := NewEmbedder(app.EmbeddingConfig{Endpoint: "http://localhost:11434", Model: "nomic-embed-text"})
	assert.Equal(t, "http:nomic-embed-text", emb.Name())
}
