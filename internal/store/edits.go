package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

const editColumns = `id, tenant_id, op, target_id, target_type, reason, proposed_by, proposer_id,
	status, patch_text, patch_importance, patch_importance_delta, patch_channel, decided_by,
	decided_at, created_at`

// InsertMemoryEdit records a proposed edit in pending state.
func InsertMemoryEdit(db *sql.DB, e *models.MemoryEdit) error {
	return Transact(db, func(tx *sql.Tx) error {
		var patchChannel string
		if e.Patch.Channel != "" {
			patchChannel = string(e.Patch.Channel)
		}
		_, err := tx.Exec(`
			INSERT INTO memory_edits (id, tenant_id, op, target_id, target_type, reason, proposed_by,
				proposer_id, status, patch_text, patch_importance, patch_importance_delta,
				patch_channel, decided_by, decided_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, ?)
		`, e.ID, e.TenantID, string(e.Op), e.TargetID, e.TargetType, e.Reason, string(e.ProposedBy),
			e.ProposerID, string(e.Status), e.Patch.Text, e.Patch.Importance, e.Patch.ImportanceDelta,
			patchChannel, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert memory edit: %w", err)
		}
		return nil
	})
}

// GetMemoryEdit loads one edit by id within a tenant.
func GetMemoryEdit(q Querier, tenantID, editID string) (*models.MemoryEdit, error) {
	row := q.QueryRowContext(context.Background(), `
		SELECT `+editColumns+` FROM memory_edits WHERE tenant_id = ? AND id = ?
	`, tenantID, editID)
	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "memory edit %s not found", editID).WithDetail("edit_id", editID)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListMemoryEdits returns a tenant's edits, optionally filtered by status,
// newest first.
func ListMemoryEdits(q Querier, tenantID string, status models.EditStatus, limit int) ([]*models.MemoryEdit, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + editColumns + ` FROM memory_edits WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory edits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.MemoryEdit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DecideMemoryEditTx moves a pending edit to approved or rejected. Applying
// the approved patch happens in the same transaction (see ApplyEditTx) so a
// decision and its effect are atomic.
func DecideMemoryEditTx(tx *sql.Tx, tenantID, editID string, status models.EditStatus, decidedBy string, now time.Time) (*models.MemoryEdit, error) {
	if status != models.EditApproved && status != models.EditRejected {
		return nil, models.E(models.ErrValidation, "edit decision must be approved or rejected")
	}

	e, err := GetMemoryEdit(tx, tenantID, editID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EditPending {
		return nil, models.E(models.ErrValidation, "memory edit %s already decided (%s)", editID, e.Status).
			WithDetail("edit_id", editID)
	}

	res, err := tx.Exec(`
		UPDATE memory_edits SET status = ?, decided_by = ?, decided_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`, string(status), decidedBy, now.UTC(), tenantID, editID, string(models.EditPending))
	if err != nil {
		return nil, fmt.Errorf("failed to decide memory edit: %w", err)
	}
	if err := requireOneRow(res, "memory edit", editID); err != nil {
		return nil, err
	}

	e.Status = status
	e.DecidedBy = decidedBy
	t := now.UTC()
	e.DecidedAt = &t
	return e, nil
}

// ApplyEditTx applies an approved edit's patch to its target chunk.
func ApplyEditTx(tx *sql.Tx, e *models.MemoryEdit) error {
	switch e.Op {
	case models.EditRetract:
		res, err := tx.Exec(`UPDATE chunks SET active = 0 WHERE tenant_id = ? AND id = ?`, e.TenantID, e.TargetID)
		if err != nil {
			return fmt.Errorf("failed to retract chunk: %w", err)
		}
		return requireOneRow(res, "chunk", e.TargetID)
	case models.EditAmend:
		return AmendChunkTx(tx, e.TenantID, e.TargetID, e.Patch.Text, e.Patch.Importance)
	case models.EditQuarantine:
		res, err := tx.Exec(`UPDATE chunks SET quarantined = 1 WHERE tenant_id = ? AND id = ?`, e.TenantID, e.TargetID)
		if err != nil {
			return fmt.Errorf("failed to quarantine chunk: %w", err)
		}
		return requireOneRow(res, "chunk", e.TargetID)
	case models.EditAttenuate:
		if e.Patch.ImportanceDelta == nil {
			return models.E(models.ErrValidation, "attenuate edit lost its importance delta")
		}
		return AttenuateChunkTx(tx, e.TenantID, e.TargetID, *e.Patch.ImportanceDelta)
	case models.EditBlock:
		if !e.Patch.Channel.Valid() {
			return models.E(models.ErrValidation, "block edit lost its target channel")
		}
		return BlockChunkTx(tx, e.TenantID, e.TargetID, e.Patch.Channel)
	}
	return models.E(models.ErrValidation, "unknown edit op %q", e.Op)
}

func scanEdit(row rowScanner) (*models.MemoryEdit, error) {
	var (
		e            models.MemoryEdit
		op           string
		proposedBy   string
		status       string
		importance   sql.NullFloat64
		delta        sql.NullFloat64
		patchChannel string
		decidedAt    sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.TenantID, &op, &e.TargetID, &e.TargetType, &e.Reason, &proposedBy,
		&e.ProposerID, &status, &e.Patch.Text, &importance, &delta, &patchChannel,
		&e.DecidedBy, &decidedAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan memory edit: %w", err)
	}
	e.Op = models.EditOp(op)
	e.ProposedBy = models.ActorType(proposedBy)
	e.Status = models.EditStatus(status)
	if importance.Valid {
		v := importance.Float64
		e.Patch.Importance = &v
	}
	if delta.Valid {
		v := delta.Float64
		e.Patch.ImportanceDelta = &v
	}
	e.Patch.Channel = models.Channel(patchChannel)
	e.DecidedAt = scanNullTime(decidedAt)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
