package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dotcommander/mnemo/internal/models"
)

// InsertChunkTx inserts one chunk and its lexical index rows in the same
// transaction as the owning event. Terms are derived here so the index can
// never drift from the stored text.
func InsertChunkTx(tx *sql.Tx, c *models.Chunk) error {
	_, err := tx.Exec(`
		INSERT INTO chunks (id, event_id, tenant_id, session_id, agent_id, channel, kind,
			sensitivity, tags, seq, text, token_est, importance, content_hash, simhash,
			active, quarantined, pinned, embedded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.EventID, c.TenantID, c.SessionID, c.AgentID, c.Channel, c.Kind,
		c.Sensitivity, marshalStrings(c.Tags), c.Seq, c.Text, c.TokenEst, c.Importance,
		c.ContentHash, int64(c.SimHash), c.Active, c.Quarantined, c.Pinned, c.Embedded, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	for _, term := range NormalizeTerms(c.Text) {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO chunk_terms (tenant_id, term, chunk_id) VALUES (?, ?, ?)
		`, c.TenantID, term, c.ID); err != nil {
			return fmt.Errorf("failed to index chunk term: %w", err)
		}
	}
	return nil
}

// GetChunk loads one chunk by id within a tenant.
func GetChunk(q Querier, tenantID, chunkID string) (*models.Chunk, error) {
	row := q.QueryRow(`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = ? AND id = ?`, tenantID, chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "chunk %s not found", chunkID).WithDetail("chunk_id", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk: %w", err)
	}
	return c, nil
}

// GetChunks loads a set of chunks by id. Missing ids are skipped; the caller
// decides whether absence matters.
func GetChunks(q Querier, tenantID string, chunkIDs []string) ([]*models.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, tenantID)
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND id IN (`+placeholders+`)
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	return scanChunkRows(rows)
}

// ChunksByEvent returns the chunks derived from one event in seq order.
func ChunksByEvent(q Querier, tenantID, eventID string) ([]*models.Chunk, error) {
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND event_id = ?
		ORDER BY seq ASC
	`, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event chunks: %w", err)
	}
	return scanChunkRows(rows)
}

// SetChunkActive flips the retract flag on a chunk.
func SetChunkActive(db *sql.DB, tenantID, chunkID string, active bool) error {
	return chunkFlagUpdate(db, tenantID, chunkID, `UPDATE chunks SET active = ? WHERE tenant_id = ? AND id = ?`, active)
}

// SetChunkQuarantined flips the quarantine flag on a chunk.
func SetChunkQuarantined(db *sql.DB, tenantID, chunkID string, quarantined bool) error {
	return chunkFlagUpdate(db, tenantID, chunkID, `UPDATE chunks SET quarantined = ? WHERE tenant_id = ? AND id = ?`, quarantined)
}

// MarkChunkEmbedded records that the chunk's vector has been backfilled.
func MarkChunkEmbedded(db *sql.DB, tenantID, chunkID string) error {
	return chunkFlagUpdate(db, tenantID, chunkID, `UPDATE chunks SET embedded = ? WHERE tenant_id = ? AND id = ?`, true)
}

func chunkFlagUpdate(db *sql.DB, tenantID, chunkID, query string, value bool) error {
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, value, tenantID, chunkID)
		if err != nil {
			return fmt.Errorf("failed to update chunk flag: %w", err)
		}
		return requireOneRow(res, "chunk", chunkID)
	})
}

// AmendChunkTx rewrites a chunk's text (re-deriving its lexical index) and
// optionally its importance. Approved amend edits are the only caller.
func AmendChunkTx(tx *sql.Tx, tenantID, chunkID, text string, importance *float64) error {
	c, err := GetChunk(tx, tenantID, chunkID)
	if err != nil {
		return err
	}

	newText := c.Text
	if text != "" {
		newText = text
	}
	newImportance := c.Importance
	if importance != nil {
		newImportance = clamp01(*importance)
	}

	res, err := tx.Exec(`
		UPDATE chunks SET text = ?, importance = ?, content_hash = ?, simhash = ?
		WHERE tenant_id = ? AND id = ?
	`, newText, newImportance, models.ContentHash(newText), int64(SimHash64(newText)), tenantID, chunkID)
	if err != nil {
		return fmt.Errorf("failed to amend chunk: %w", err)
	}
	if err := requireOneRow(res, "chunk", chunkID); err != nil {
		return err
	}

	if text == "" {
		return nil
	}
	if _, err := tx.Exec(`DELETE FROM chunk_terms WHERE tenant_id = ? AND chunk_id = ?`, tenantID, chunkID); err != nil {
		return fmt.Errorf("failed to clear chunk terms: %w", err)
	}
	for _, term := range NormalizeTerms(newText) {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO chunk_terms (tenant_id, term, chunk_id) VALUES (?, ?, ?)
		`, tenantID, term, chunkID); err != nil {
			return fmt.Errorf("failed to reindex chunk term: %w", err)
		}
	}
	return nil
}

// AttenuateChunkTx shifts a chunk's importance by delta, clamped to [0,1].
func AttenuateChunkTx(tx *sql.Tx, tenantID, chunkID string, delta float64) error {
	c, err := GetChunk(tx, tenantID, chunkID)
	if err != nil {
		return err
	}
	res, err := tx.Exec(`
		UPDATE chunks SET importance = ? WHERE tenant_id = ? AND id = ?
	`, clamp01(c.Importance+delta), tenantID, chunkID)
	if err != nil {
		return fmt.Errorf("failed to attenuate chunk: %w", err)
	}
	return requireOneRow(res, "chunk", chunkID)
}

// BlockChunkTx rewrites a chunk's channel, narrowing where it may load.
func BlockChunkTx(tx *sql.Tx, tenantID, chunkID string, channel models.Channel) error {
	res, err := tx.Exec(`
		UPDATE chunks SET channel = ? WHERE tenant_id = ? AND id = ?
	`, channel, tenantID, chunkID)
	if err != nil {
		return fmt.Errorf("failed to block chunk: %w", err)
	}
	return requireOneRow(res, "chunk", chunkID)
}

// ChunksNeedingEmbedding returns retrievable chunks whose vectors have not
// been backfilled yet, oldest first.
func ChunksNeedingEmbedding(q Querier, tenantID string, limit int) ([]*models.Chunk, error) {
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND embedded = 0 AND active = 1 AND quarantined = 0
		ORDER BY id ASC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unembedded chunks: %w", err)
	}
	return scanChunkRows(rows)
}

// CountTenantChunks returns the total number of chunks a tenant owns.
func CountTenantChunks(q Querier, tenantID string) (int64, error) {
	var n int64
	if err := q.QueryRow(`SELECT COUNT(*) FROM chunks WHERE tenant_id = ?`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func requireOneRow(res sql.Result, entity, id string) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if ra == 0 {
		return models.E(models.ErrNotFound, "%s %s not found", entity, id).WithDetail("id", id)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
