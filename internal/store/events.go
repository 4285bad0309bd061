package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/mnemo/internal/models"
)

// InsertEventTx appends one event inside an existing transaction. Events are
// immutable after insert; the Recorder is the only caller.
func InsertEventTx(tx *sql.Tx, e *models.Event) error {
	_, err := tx.Exec(`
		INSERT INTO events (id, tenant_id, session_id, agent_id, channel, actor_type, actor_id,
			kind, sensitivity, tags, content, refs, content_hash, token_est, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.SessionID, e.AgentID, e.Channel, e.ActorType, e.ActorID,
		e.Kind, e.Sensitivity, marshalStrings(e.Tags), string(e.Content), marshalStrings(e.Refs),
		e.ContentHash, e.TokenEst, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetEvent loads one event by id within a tenant.
func GetEvent(q Querier, tenantID, eventID string) (*models.Event, error) {
	row := q.QueryRow(`SELECT `+eventColumns+` FROM events WHERE tenant_id = ? AND id = ?`, tenantID, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "event %s not found", eventID).WithDetail("event_id", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return e, nil
}

// ListSessionEvents returns the newest events of one session, newest first,
// bounded by limit.
func ListSessionEvents(q Querier, tenantID, sessionID string, limit int) ([]*models.Event, error) {
	rows, err := q.Query(`
		SELECT `+eventColumns+`
		FROM events
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, tenantID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	return scanEventRows(rows)
}

// EventRefs returns id -> refs for a batch of events. The builder's
// summary-drift guard uses it to drop summaries whose backing event cites
// nothing.
func EventRefs(q Querier, tenantID string, eventIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}

	placeholders := ""
	args := []any{tenantID}
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	rows, err := q.Query(`
		SELECT id, refs FROM events WHERE tenant_id = ? AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, refs string
		if err := rows.Scan(&id, &refs); err != nil {
			return nil, err
		}
		out[id] = unmarshalStrings(refs)
	}
	return out, rows.Err()
}

// ListTenants returns every tenant id that owns at least one event. The
// consolidation scheduler iterates this.
func ListTenants(q Querier) ([]string, error) {
	rows, err := q.Query(`SELECT DISTINCT tenant_id FROM events ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
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

// TenantHasAgent reports whether the agent has ever written an event in the
// tenant. Capsule audience validation uses it; there is no separate agent
// registry.
func TenantHasAgent(q Querier, tenantID, agentID string) (bool, error) {
	var n int
	err := q.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM events WHERE tenant_id = ? AND agent_id = ?)
	`, tenantID, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tenant agent: %w", err)
	}
	return n == 1, nil
}

// CountEventsByHash returns how many events in the tenant share a content
// hash. The Recorder uses it to mark exact re-statements at ingest.
func CountEventsByHash(q Querier, tenantID, contentHash string) (int, error) {
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM events WHERE tenant_id = ? AND content_hash = ?
	`, tenantID, contentHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events by hash: %w", err)
	}
	return n, nil
}

// CountTenantEvents returns the total number of events a tenant owns.
func CountTenantEvents(q Querier, tenantID string) (int64, error) {
	var n int64
	if err := q.QueryRow(`SELECT COUNT(*) FROM events WHERE tenant_id = ?`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// ListTenantEvents pages through a tenant's events in id order, returning up
// to limit events with id > afterID. Exports use this for full dumps.
func ListTenantEvents(q Querier, tenantID, afterID string, limit int) ([]*models.Event, error) {
	rows, err := q.Query(`
		SELECT `+eventColumns+`
		FROM events
		WHERE tenant_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, tenantID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant events: %w", err)
	}
	return scanEventRows(rows)
}
