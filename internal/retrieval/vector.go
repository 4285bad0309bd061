package retrieval

import (
	"context"
	"database/sql"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/store"
)

// VectorIndex is the in-process semantic index, one collection per tenant so
// a query can never cross the tenant boundary. Vectors are backfilled from
// the chunk table; the store stays the source of truth and the index can be
// rebuilt from it at any time.
type VectorIndex struct {
	db  *chromem.DB
	emb Embedder
	log *zap.Logger
}

// NewVectorIndex opens the vector store, persistent when a path is
// configured, in-memory otherwise.
func NewVectorIndex(cfg app.EmbeddingConfig, emb Embedder, log *zap.Logger) (*VectorIndex, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store at %s: %w", cfg.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &VectorIndex{db: db, emb: emb, log: log}, nil
}

func (v *VectorIndex) collection(tenantID string) (*chromem.Collection, error) {
	return v.db.GetOrCreateCollection("tenant-"+tenantID, nil, func(ctx context.Context, text string) ([]float32, error) {
		return v.emb.Embed(ctx, text)
	})
}

// Index adds or replaces one chunk's vector.
func (v *VectorIndex) Index(ctx context.Context, tenantID, chunkID, text string) error {
	col, err := v.collection(tenantID)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{ID: chunkID, Content: text})
}

// Query returns the ids of the topK semantically closest chunks.
func (v *VectorIndex) Query(ctx context.Context, tenantID, text string, topK int) ([]string, error) {
	col, err := v.collection(tenantID)
	if err != nil {
		return nil, err
	}
	if n := col.Count(); n == 0 {
		return nil, nil
	} else if topK > n {
		topK = n
	}

	results, err := col.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// Backfill embeds up to batch chunks that have no vector yet, marking each as
// embedded once indexed. Returns how many were processed; the daemon's
// background loop calls this until it reports zero.
func (v *VectorIndex) Backfill(ctx context.Context, db *sql.DB, tenantID string, batch int) (int, error) {
	chunks, err := store.ChunksNeedingEmbedding(db, tenantID, batch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, c := range chunks {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := v.Index(ctx, tenantID, c.ID, c.Text); err != nil {
			// An embedding outage stalls backfill, never the write path.
			v.log.Warn("embedding backfill failed", zap.String("chunk_id", c.ID), zap.Error(err))
			return done, nil
		}
		if err := store.MarkChunkEmbedded(db, tenantID, c.ID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
