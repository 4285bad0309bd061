package store

import (
	"fmt"
	"strings"

	"github.com/dotcommander/mnemo/internal/models"
)

// Retrieval candidate primitives. Every query here excludes retracted and
// quarantined chunks; channel/sensitivity suppression happens in the
// retrieval layer where the request context is known.

const retrievableClause = "active = 1 AND quarantined = 0"

// TermMatches returns, for each chunk containing at least one of the given
// normalised terms, the number of distinct terms it matched.
func TermMatches(q Querier, tenantID string, terms []string, limit int) (map[string]int, error) {
	if len(terms) == 0 {
		return map[string]int{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terms)), ",")
	args := make([]any, 0, len(terms)+2)
	args = append(args, tenantID)
	for _, t := range terms {
		args = append(args, t)
	}
	args = append(args, limit)

	rows, err := q.Query(`
		SELECT ct.chunk_id, COUNT(DISTINCT ct.term) AS matched
		FROM chunk_terms ct
		JOIN chunks c ON c.id = ct.chunk_id
		WHERE ct.tenant_id = ? AND ct.term IN (`+placeholders+`) AND c.`+retrievableClause+`
		GROUP BY ct.chunk_id
		ORDER BY matched DESC, ct.chunk_id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query term matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var matched int
		if err := rows.Scan(&id, &matched); err != nil {
			return nil, err
		}
		out[id] = matched
	}
	return out, rows.Err()
}

// RecencyTail returns the newest retrievable chunks of a tenant.
func RecencyTail(q Querier, tenantID string, limit int) ([]*models.Chunk, error) {
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND `+retrievableClause+`
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recency tail: %w", err)
	}
	return scanChunkRows(rows)
}

// SessionRecentChunks returns the newest retrievable chunks in one session.
func SessionRecentChunks(q Querier, tenantID, sessionID string, limit int) ([]*models.Chunk, error) {
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND session_id = ? AND `+retrievableClause+`
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session chunks: %w", err)
	}
	return scanChunkRows(rows)
}

// PinnedChunks returns the tenant's pinned chunks, newest first.
func PinnedChunks(q Querier, tenantID string, limit int) ([]*models.Chunk, error) {
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND pinned = 1 AND `+retrievableClause+`
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pinned chunks: %w", err)
	}
	return scanChunkRows(rows)
}

// TagHeadChunks returns the newest retrievable chunks carrying any of the
// given tags. Tags live in a JSON TEXT column; the quoted LIKE match is
// exact on tag boundaries.
func TagHeadChunks(q Querier, tenantID string, tags []string, limit int) ([]*models.Chunk, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(tags))
	args := make([]any, 0, len(tags)+2)
	args = append(args, tenantID)
	for _, tag := range tags {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	args = append(args, limit)

	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND (`+strings.Join(clauses, " OR ")+`) AND `+retrievableClause+`
		ORDER BY id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag head chunks: %w", err)
	}
	return scanChunkRows(rows)
}

// SessionToolResultChunks returns the newest tool_result chunks of a session,
// feeding the tool_state section.
func SessionToolResultChunks(q Querier, tenantID, sessionID string, limit int) ([]*models.Chunk, error) {
	rows, err := q.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE tenant_id = ? AND session_id = ? AND kind = ? AND `+retrievableClause+`
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, sessionID, models.KindToolResult, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool result chunks: %w", err)
	}
	return scanChunkRows(rows)
}
