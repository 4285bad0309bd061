package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

const capsuleColumns = `id, tenant_id, scope, subject_type, subject_id, author_agent_id, audience,
	chunk_ids, decision_ids, artifact_ids, risks, ttl_days, status, expires_at, created_at`

// InsertCapsuleTx persists a cross-agent share packet. Item/tenant validation
// happens in the daemon service layer before this runs.
func InsertCapsuleTx(tx Querier, c *models.Capsule) error {
	if len(c.AudienceAgentIDs) == 0 {
		return models.E(models.ErrValidation, "capsule audience must be non-empty")
	}
	if c.Items.Empty() {
		return models.E(models.ErrValidation, "capsule must share at least one item")
	}

	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO capsules (id, tenant_id, scope, subject_type, subject_id, author_agent_id,
			audience, chunk_ids, decision_ids, artifact_ids, risks, ttl_days, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, c.Scope, c.SubjectType, c.SubjectID, c.AuthorAgentID,
		marshalStrings(c.AudienceAgentIDs), marshalStrings(c.Items.Chunks),
		marshalStrings(c.Items.Decisions), marshalStrings(c.Items.Artifacts),
		marshalStrings(c.Risks), c.TTLDays, string(c.Status), c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capsule: %w", err)
	}
	return nil
}

// GetCapsule loads one capsule by id within a tenant.
func GetCapsule(q Querier, tenantID, capsuleID string) (*models.Capsule, error) {
	row := q.QueryRowContext(context.Background(), `
		SELECT `+capsuleColumns+` FROM capsules WHERE tenant_id = ? AND id = ?
	`, tenantID, capsuleID)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "capsule %s not found", capsuleID).WithDetail("capsule_id", capsuleID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AvailableCapsules returns active, unexpired capsules whose audience includes
// agentID, newest first. Optional subject filters narrow the result.
func AvailableCapsules(q Querier, tenantID, agentID, subjectType, subjectID string, now time.Time, limit int) ([]*models.Capsule, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + capsuleColumns + `
		FROM capsules
		WHERE tenant_id = ? AND status = ? AND expires_at > ? AND audience LIKE ?`
	args := []any{tenantID, string(models.CapsuleActive), now.UTC(), `%"` + agentID + `"%`}
	if subjectType != "" {
		query += ` AND subject_type = ?`
		args = append(args, subjectType)
	}
	if subjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query capsules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		// The LIKE prefilter can false-positive on substring agent ids;
		// recheck audience membership exactly.
		if c.Readable(agentID, now) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

// RevokeCapsule flips an active capsule to revoked. Reads after revocation
// return nothing; revoking twice reports validation_error.
func RevokeCapsule(db *sql.DB, tenantID, capsuleID string) error {
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE capsules SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?
		`, string(models.CapsuleRevoked), tenantID, capsuleID, string(models.CapsuleActive))
		if err != nil {
			return fmt.Errorf("failed to revoke capsule: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check revoked rows: %w", err)
		}
		if ra == 0 {
			if _, getErr := GetCapsule(tx, tenantID, capsuleID); getErr != nil {
				return getErr
			}
			return models.E(models.ErrValidation, "capsule %s is already revoked", capsuleID).
				WithDetail("capsule_id", capsuleID)
		}
		return nil
	})
}

// CapsuleChunkAudience returns, for every chunk shared through an active
// unexpired capsule of the tenant, the set of agent ids allowed to read it.
// Retrieval uses this to drop capsule-held chunks from non-audience callers.
func CapsuleChunkAudience(q Querier, tenantID string, now time.Time) (map[string]map[string]bool, error) {
	rows, err := q.QueryContext(context.Background(), `
		SELECT chunk_ids, audience
		FROM capsules
		WHERE tenant_id = ? AND status = ? AND expires_at > ?
	`, tenantID, string(models.CapsuleActive), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query capsule audiences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]map[string]bool)
	for rows.Next() {
		var chunksJSON, audienceJSON string
		if err := rows.Scan(&chunksJSON, &audienceJSON); err != nil {
			return nil, err
		}
		audience := unmarshalStrings(audienceJSON)
		for _, chunkID := range unmarshalStrings(chunksJSON) {
			allowed := out[chunkID]
			if allowed == nil {
				allowed = make(map[string]bool, len(audience))
				out[chunkID] = allowed
			}
			for _, a := range audience {
				allowed[a] = true
			}
		}
	}
	return out, rows.Err()
}

func scanCapsule(row rowScanner) (*models.Capsule, error) {
	var (
		c        models.Capsule
		status   string
		audience string
		chunks   string
		dec      string
		arts     string
		risks    string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Scope, &c.SubjectType, &c.SubjectID, &c.AuthorAgentID,
		&audience, &chunks, &dec, &arts, &risks, &c.TTLDays, &status, &c.ExpiresAt, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan capsule: %w", err)
	}
	c.AudienceAgentIDs = unmarshalStrings(audience)
	c.Items = models.CapsuleItems{
		Chunks:    unmarshalStrings(chunks),
		Decisions: unmarshalStrings(dec),
		Artifacts: unmarshalStrings(arts),
	}
	c.Risks = unmarshalStrings(risks)
	c.Status = models.CapsuleStatus(status)
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
