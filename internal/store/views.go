package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

// Pinned views are the small named text blocks (identity, rules, preferences)
// the ACB builder loads with one indexed read instead of scanning history.

// PutView upserts a pinned view for a tenant.
func PutView(db *sql.DB, v *models.PinnedView) error {
	return Transact(db, func(tx *sql.Tx) error {
		return PutViewTx(tx, v)
	})
}

// PutViewTx upserts a pinned view inside an existing transaction. The
// recorder uses this when an event carries a pinned:<view> tag.
func PutViewTx(tx *sql.Tx, v *models.PinnedView) error {
	if v.Name == "" {
		return models.E(models.ErrValidation, "view name is required")
	}
	_, err := tx.Exec(`
		INSERT INTO pinned_views (tenant_id, name, text, token_est, sensitivity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			text = excluded.text,
			token_est = excluded.token_est,
			sensitivity = excluded.sensitivity,
			updated_at = excluded.updated_at
	`, v.TenantID, v.Name, v.Text, v.TokenEst, string(v.Sensitivity), v.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put view: %w", err)
	}
	return nil
}

// GetViews loads the named views for a tenant in one read. Missing names are
// simply absent from the result.
func GetViews(q Querier, tenantID string, names []string) (map[string]*models.PinnedView, error) {
	out := make(map[string]*models.PinnedView, len(names))
	if len(names) == 0 {
		return out, nil
	}

	placeholders := ""
	args := []any{tenantID}
	for i, name := range names {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, name)
	}

	rows, err := q.QueryContext(context.Background(), `
		SELECT tenant_id, name, text, token_est, sensitivity, updated_at
		FROM pinned_views
		WHERE tenant_id = ? AND name IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query views: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v models.PinnedView
		var sensitivity string
		if err := rows.Scan(&v.TenantID, &v.Name, &v.Text, &v.TokenEst, &sensitivity, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		v.Sensitivity = models.Sensitivity(sensitivity)
		v.UpdatedAt = v.UpdatedAt.UTC()
		out[v.Name] = &v
	}
	return out, rows.Err()
}

// GetView loads one pinned view.
func GetView(q Querier, tenantID, name string) (*models.PinnedView, error) {
	row := q.QueryRowContext(context.Background(), `
		SELECT tenant_id, name, text, token_est, sensitivity, updated_at
		FROM pinned_views
		WHERE tenant_id = ? AND name = ?
	`, tenantID, name)

	var v models.PinnedView
	var sensitivity string
	err := row.Scan(&v.TenantID, &v.Name, &v.Text, &v.TokenEst, &sensitivity, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "view %s not found", name).WithDetail("view", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load view: %w", err)
	}
	v.Sensitivity = models.Sensitivity(sensitivity)
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

// TouchViewTime is a helper for tests that need deterministic view timestamps.
func TouchViewTime(db *sql.DB, tenantID, name string, at time.Time) error {
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE pinned_views SET updated_at = ? WHERE tenant_id = ? AND name = ?
		`, at.UTC(), tenantID, name)
		if err != nil {
			return fmt.Errorf("failed to touch view: %w", err)
		}
		return requireOneRow(res, "view", name)
	})
}
