package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

// InsertTaskTx creates a task row derived from a task_update event.
func InsertTaskTx(tx *sql.Tx, t *models.Task) error {
	if t.Title == "" {
		return models.E(models.ErrValidation, "task title is required")
	}
	_, err := tx.Exec(`
		INSERT INTO tasks (id, tenant_id, session_id, agent_id, channel, status, title,
			details, owner_agent_id, refs, event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.SessionID, t.AgentID, t.Channel, t.Status, t.Title,
		t.Details, t.OwnerAgentID, marshalStrings(t.Refs), nullIfEmpty(t.EventID),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// PatchTaskTx applies a task_update to an existing task. Empty fields keep
// their current values; refs accumulate.
func PatchTaskTx(tx *sql.Tx, tenantID, taskID string, patch models.TaskUpdateContent, eventID string, now time.Time) (*models.Task, error) {
	t, err := GetTask(tx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	if patch.Status != "" {
		if !patch.Status.Valid() {
			return nil, models.E(models.ErrValidation, "unknown task status %q", patch.Status)
		}
		t.Status = patch.Status
	}
	if patch.Title != "" {
		t.Title = patch.Title
	}
	if patch.Details != "" {
		t.Details = patch.Details
	}
	if patch.OwnerAgentID != "" {
		t.OwnerAgentID = patch.OwnerAgentID
	}
	if eventID != "" {
		t.Refs = append(t.Refs, eventID)
	}
	t.UpdatedAt = now

	_, err = tx.Exec(`
		UPDATE tasks
		SET status = ?, title = ?, details = ?, owner_agent_id = ?, refs = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`, t.Status, t.Title, t.Details, t.OwnerAgentID, marshalStrings(t.Refs), t.UpdatedAt, tenantID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to patch task: %w", err)
	}
	return t, nil
}

// GetTask loads one task by id within a tenant.
func GetTask(q Querier, tenantID, taskID string) (*models.Task, error) {
	row := q.QueryRow(`
		SELECT id, tenant_id, session_id, agent_id, channel, status, title, details,
			owner_agent_id, refs, event_id, created_at, updated_at
		FROM tasks WHERE tenant_id = ? AND id = ?
	`, tenantID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "task %s not found", taskID).WithDetail("task_id", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

// ListOpenTasks returns the tenant's unfinished tasks (open or doing),
// most recently touched first.
func ListOpenTasks(q Querier, tenantID string, limit int) ([]*models.Task, error) {
	rows, err := q.Query(`
		SELECT id, tenant_id, session_id, agent_id, channel, status, title, details,
			owner_agent_id, refs, event_id, created_at, updated_at
		FROM tasks
		WHERE tenant_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`, tenantID, models.TaskOpen, models.TaskDoing, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var refs string
	var eventID sql.NullString
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.SessionID, &t.AgentID, &t.Channel, &t.Status, &t.Title,
		&t.Details, &t.OwnerAgentID, &refs, &eventID, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Refs = unmarshalStrings(refs)
	t.EventID = scanNullString(eventID)
	return &t, nil
}
