package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

// InsertHandoffTx persists a handoff snapshot. Narrative fields are stored
// as written; compression happens later in the consolidator.
func InsertHandoffTx(tx *sql.Tx, h *models.Handoff) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO handoffs (id, tenant_id, session_id, agent_id, channel, experienced, noticed,
			learned, story, becoming, remember, significance, tags, with_whom, compression_level,
			summary, quick_ref, refs, created_at, consolidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.TenantID, h.SessionID, h.AgentID, string(h.Channel),
		h.Experienced, h.Noticed, h.Learned, h.Story, h.Becoming, h.Remember,
		h.Significance, marshalStrings(h.Tags), marshalStrings(h.WithWhom), string(h.CompressionLevel),
		h.Summary, h.QuickRef, marshalStrings(h.Refs), h.CreatedAt, h.ConsolidatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert handoff: %w", err)
	}
	return nil
}

// GetHandoff retrieves a single handoff by id within a tenant.
func GetHandoff(q Querier, tenantID, handoffID string) (*models.Handoff, error) {
	var h *models.Handoff
	err := RetryWithBackoff(func() error {
		row := q.QueryRowContext(context.Background(), `
			SELECT `+handoffColumns+`
			FROM handoffs
			WHERE tenant_id = ? AND id = ?
		`, tenantID, handoffID)
		var scanErr error
		h, scanErr = scanHandoff(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "handoff %s not found", handoffID).WithDetail("handoff_id", handoffID)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// LatestHandoff returns the most recent handoff visible to the agent: its own
// latest, or the latest on a shared channel when it has none.
func LatestHandoff(q Querier, tenantID, agentID string) (*models.Handoff, error) {
	var h *models.Handoff
	err := RetryWithBackoff(func() error {
		row := q.QueryRowContext(context.Background(), `
			SELECT `+handoffColumns+`
			FROM handoffs
			WHERE tenant_id = ? AND (agent_id = ? OR channel IN (?, ?))
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, tenantID, agentID, string(models.ChannelPublic), string(models.ChannelTeam))
		var scanErr error
		h, scanErr = scanHandoff(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "no handoffs recorded for tenant %s", tenantID)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ListHandoffs returns handoffs for a tenant, newest first, optionally
// filtered by agent.
func ListHandoffs(q Querier, tenantID, agentID string, limit int) ([]*models.Handoff, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + handoffColumns + `
		FROM handoffs
		WHERE tenant_id = ?`
	args := []any{tenantID}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []*models.Handoff
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), query, args...)
		if err != nil {
			return fmt.Errorf("failed to list handoffs: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var scanErr error
		out, scanErr = scanHandoffRows(rows)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IdentityThread returns high-significance handoffs that feed principle
// extraction, oldest first so reinforcement ordering is stable.
func IdentityThread(q Querier, tenantID string, minSignificance float64, limit int) ([]*models.Handoff, error) {
	if limit <= 0 {
		limit = 200
	}

	var out []*models.Handoff
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), `
			SELECT `+handoffColumns+`
			FROM handoffs
			WHERE tenant_id = ? AND significance >= ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`, tenantID, minSignificance, limit)
		if err != nil {
			return fmt.Errorf("failed to query identity thread: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var scanErr error
		out, scanErr = scanHandoffRows(rows)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandoffsForCompression returns handoffs still at the given tier created
// before the cutoff, oldest first, so the consolidator can advance them.
func HandoffsForCompression(q Querier, tenantID string, level models.CompressionLevel, before time.Time, limit int) ([]*models.Handoff, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []*models.Handoff
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), `
			SELECT `+handoffColumns+`
			FROM handoffs
			WHERE tenant_id = ? AND compression_level = ? AND created_at < ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`, tenantID, string(level), before, limit)
		if err != nil {
			return fmt.Errorf("failed to query handoffs for compression: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var scanErr error
		out, scanErr = scanHandoffRows(rows)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceHandoffTx moves a handoff one compression tier forward and records
// the derived text for that tier. Original narrative fields are left intact
// until the integrated tier clears them.
func AdvanceHandoffTx(tx *sql.Tx, tenantID, handoffID string, level models.CompressionLevel, summary, quickRef string, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch level {
	case models.CompressionSummary:
		res, err = tx.ExecContext(context.Background(), `
			UPDATE handoffs
			SET compression_level = ?, summary = ?, consolidated_at = ?
			WHERE tenant_id = ? AND id = ? AND compression_level = ?
		`, string(level), summary, now.UTC(), tenantID, handoffID, string(models.CompressionFull))
	case models.CompressionQuickRef:
		res, err = tx.ExecContext(context.Background(), `
			UPDATE handoffs
			SET compression_level = ?, quick_ref = ?, consolidated_at = ?
			WHERE tenant_id = ? AND id = ? AND compression_level = ?
		`, string(level), quickRef, now.UTC(), tenantID, handoffID, string(models.CompressionSummary))
	case models.CompressionIntegrated:
		res, err = tx.ExecContext(context.Background(), `
			UPDATE handoffs
			SET compression_level = ?, experienced = '', noticed = '', learned = '',
				story = '', becoming = '', consolidated_at = ?
			WHERE tenant_id = ? AND id = ? AND compression_level = ?
		`, string(level), now.UTC(), tenantID, handoffID, string(models.CompressionQuickRef))
	default:
		return models.E(models.ErrValidation, "invalid compression target: %s", level)
	}
	if err != nil {
		return fmt.Errorf("failed to advance handoff %s: %w", handoffID, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check handoff update: %w", err)
	}
	if ra == 0 {
		return models.E(models.ErrValidation, "handoff %s is not at the tier preceding %s", handoffID, level).
			WithDetail("handoff_id", handoffID)
	}
	return nil
}

// CountHandoffsByLevel reports how many handoffs sit at each compression tier.
func CountHandoffsByLevel(q Querier, tenantID string) (map[models.CompressionLevel]int, error) {
	counts := make(map[models.CompressionLevel]int)
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), `
			SELECT compression_level, COUNT(*)
			FROM handoffs
			WHERE tenant_id = ?
			GROUP BY compression_level
		`, tenantID)
		if err != nil {
			return fmt.Errorf("failed to count handoffs: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				level string
				n     int
			)
			if err := rows.Scan(&level, &n); err != nil {
				return fmt.Errorf("failed to scan handoff count: %w", err)
			}
			counts[models.CompressionLevel(level)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
