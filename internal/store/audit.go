package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

// AppendAudit writes one append-only audit entry. Audit failures are reported
// to the caller but must never veto the operation they describe; the daemon
// logs and continues.
func AppendAudit(db *sql.DB, rec *models.AuditRecord) error {
	details := rec.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO audit_log (tenant_id, agent_id, event_type, action, outcome, resource_type, resource_id, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.TenantID, rec.AgentID, rec.EventType, rec.Action, rec.Outcome,
			rec.ResourceType, rec.ResourceID, string(details), rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		return nil
	})
}

// ListAudit returns a tenant's audit entries, newest first.
func ListAudit(q Querier, tenantID string, since time.Time, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(context.Background(), `
		SELECT id, tenant_id, agent_id, event_type, action, outcome, resource_type, resource_id, details, created_at
		FROM audit_log
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var details string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.AgentID, &rec.EventType, &rec.Action,
			&rec.Outcome, &rec.ResourceType, &rec.ResourceID, &details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		rec.Details = json.RawMessage(details)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
