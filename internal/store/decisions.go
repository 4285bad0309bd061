package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

// InsertDecisionTx inserts a decision and, when it supersedes a predecessor,
// flips that predecessor to superseded in the same transaction. A concurrent
// reader never observes two active decisions on the same chain.
func InsertDecisionTx(tx *sql.Tx, d *models.Decision) error {
	if len(d.Refs) == 0 {
		return models.E(models.ErrValidation, "decision refs must be non-empty")
	}

	_, err := tx.Exec(`
		INSERT INTO decisions (id, tenant_id, session_id, agent_id, channel, status, scope,
			decision, rationale, constraints_json, alternatives_json, consequences_json,
			refs, superseded_by, pinned, event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
	`, d.ID, d.TenantID, d.SessionID, d.AgentID, d.Channel, d.Status, d.Scope,
		d.Decision, d.Rationale, marshalStrings(d.Constraints), marshalStrings(d.Alternatives),
		marshalStrings(d.Consequences), marshalStrings(d.Refs), d.Pinned, nullIfEmpty(d.EventID),
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// SupersedeDecisionTx flips predecessorID to superseded, pointing it at
// successorID. Returns not_found when the predecessor does not exist in the
// tenant; superseding an already-superseded decision is a no-op error so
// chains stay linear.
func SupersedeDecisionTx(tx *sql.Tx, tenantID, predecessorID, successorID string, now time.Time) error {
	res, err := tx.Exec(`
		UPDATE decisions
		SET status = ?, superseded_by = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`, models.DecisionSuperseded, successorID, now, tenantID, predecessorID, models.DecisionActive)
	if err != nil {
		return fmt.Errorf("failed to supersede decision: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check superseded rows: %w", err)
	}
	if ra == 0 {
		if _, getErr := GetDecision(tx, tenantID, predecessorID); getErr != nil {
			return getErr
		}
		return models.E(models.ErrValidation, "decision %s is already superseded", predecessorID).
			WithDetail("decision_id", predecessorID)
	}
	return nil
}

// GetDecision loads one decision by id within a tenant.
func GetDecision(q Querier, tenantID, decisionID string) (*models.Decision, error) {
	row := q.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE tenant_id = ? AND id = ?`, tenantID, decisionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "decision %s not found", decisionID).WithDetail("decision_id", decisionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}
	return d, nil
}

// ListActiveDecisions returns the tenant's active decisions, newest first,
// bounded by limit.
func ListActiveDecisions(q Querier, tenantID string, limit int) ([]*models.Decision, error) {
	rows, err := q.Query(`
		SELECT `+decisionColumns+`
		FROM decisions
		WHERE tenant_id = ? AND status = ?
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, models.DecisionActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active decisions: %w", err)
	}
	return scanDecisionRows(rows)
}

// ArchiveDecisionsBefore flips unpinned active decisions created before the
// cutoff to superseded. Archived decisions stay queryable but leave the
// default ACB selection. Returns the affected ids.
func ArchiveDecisionsBefore(db *sql.DB, tenantID string, cutoff, now time.Time) ([]string, error) {
	var archived []string
	err := Transact(db, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id FROM decisions
			WHERE tenant_id = ? AND status = ? AND pinned = 0 AND created_at < ?
			ORDER BY id ASC
		`, tenantID, models.DecisionActive, cutoff)
		if err != nil {
			return fmt.Errorf("failed to query archivable decisions: %w", err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.Exec(`
				UPDATE decisions SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?
			`, models.DecisionSuperseded, now, tenantID, id); err != nil {
				return fmt.Errorf("failed to archive decision %s: %w", id, err)
			}
		}
		archived = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// CountDecisionsByStatus returns status -> count for a tenant.
func CountDecisionsByStatus(q Querier, tenantID string) (map[string]int, error) {
	rows, err := q.Query(`
		SELECT status, COUNT(*) FROM decisions WHERE tenant_id = ? GROUP BY status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
