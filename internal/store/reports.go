package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dotcommander/mnemo/internal/models"
)

// InsertReport persists one consolidation job report.
func InsertReport(db *sql.DB, r *models.ConsolidationReport) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO consolidation_reports (tenant_id, job_type, items_processed, items_affected, tokens_saved, details, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, r.TenantID, r.JobType, r.ItemsProcessed, r.ItemsAffected, r.TokensSaved, r.Details, r.Error, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert consolidation report: %w", err)
		}
		return nil
	})
}

// ListReports returns a tenant's consolidation reports, newest first,
// optionally filtered by job type.
func ListReports(q Querier, tenantID, jobType string, limit int) ([]*models.ConsolidationReport, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, tenant_id, job_type, items_processed, items_affected, tokens_saved, details, error, created_at
		FROM consolidation_reports
		WHERE tenant_id = ?`
	args := []any{tenantID}
	if jobType != "" {
		query += ` AND job_type = ?`
		args = append(args, jobType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consolidation reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ConsolidationReport
	for rows.Next() {
		var r models.ConsolidationReport
		if err := rows.Scan(&r.ID, &r.TenantID, &r.JobType, &r.ItemsProcessed, &r.ItemsAffected,
			&r.TokensSaved, &r.Details, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consolidation report: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LatestReportPerJob returns the newest report for each job type a tenant has run.
func LatestReportPerJob(q Querier, tenantID string) (map[string]*models.ConsolidationReport, error) {
	rows, err := q.QueryContext(context.Background(), `
		SELECT id, tenant_id, job_type, items_processed, items_affected, tokens_saved, details, error, created_at
		FROM consolidation_reports
		WHERE tenant_id = ? AND id IN (
			SELECT MAX(id) FROM consolidation_reports WHERE tenant_id = ? GROUP BY job_type
		)
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*models.ConsolidationReport)
	for rows.Next() {
		var r models.ConsolidationReport
		if err := rows.Scan(&r.ID, &r.TenantID, &r.JobType, &r.ItemsProcessed, &r.ItemsAffected,
			&r.TokensSaved, &r.Details, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan latest report: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out[r.JobType] = &r
	}
	return out, rows.Err()
}
