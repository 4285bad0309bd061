package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanNullString converts sql.NullString to string (empty if NULL).
func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// scanNullTime converts sql.NullTime to *time.Time (nil if NULL).
func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// marshalStrings encodes a string slice as the JSON TEXT column format.
// Nil and empty slices both encode as "[]" so scans round-trip cleanly.
func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings decodes a JSON TEXT column into a string slice.
func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

const eventColumns = `id, tenant_id, session_id, agent_id, channel, actor_type, actor_id,
	kind, sensitivity, tags, content, refs, content_hash, token_est, created_at`

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	var tags, refs string
	var content string
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.SessionID, &e.AgentID, &e.Channel, &e.ActorType, &e.ActorID,
		&e.Kind, &e.Sensitivity, &tags, &content, &refs, &e.ContentHash, &e.TokenEst, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Tags = unmarshalStrings(tags)
	e.Refs = unmarshalStrings(refs)
	e.Content = json.RawMessage(content)
	return &e, nil
}

func scanEventRows(rows *sql.Rows) ([]*models.Event, error) {
	defer func() { _ = rows.Close() }()
	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const chunkColumns = `id, event_id, tenant_id, session_id, agent_id, channel, kind, sensitivity,
	tags, seq, text, token_est, importance, content_hash, simhash, active, quarantined, pinned,
	embedded, created_at`

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var c models.Chunk
	var tags string
	var simhash int64
	if err := row.Scan(
		&c.ID, &c.EventID, &c.TenantID, &c.SessionID, &c.AgentID, &c.Channel, &c.Kind, &c.Sensitivity,
		&tags, &c.Seq, &c.Text, &c.TokenEst, &c.Importance, &c.ContentHash, &simhash, &c.Active,
		&c.Quarantined, &c.Pinned, &c.Embedded, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.Tags = unmarshalStrings(tags)
	c.SimHash = uint64(simhash)
	return &c, nil
}

func scanChunkRows(rows *sql.Rows) ([]*models.Chunk, error) {
	defer func() { _ = rows.Close() }()
	var out []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const decisionColumns = `id, tenant_id, session_id, agent_id, channel, status, scope, decision,
	rationale, constraints_json, alternatives_json, consequences_json, refs, superseded_by,
	pinned, event_id, created_at, updated_at`

func scanDecision(row rowScanner) (*models.Decision, error) {
	var d models.Decision
	var constraints, alternatives, consequences, refs string
	var supersededBy, eventID sql.NullString
	if err := row.Scan(
		&d.ID, &d.TenantID, &d.SessionID, &d.AgentID, &d.Channel, &d.Status, &d.Scope, &d.Decision,
		&d.Rationale, &constraints, &alternatives, &consequences, &refs, &supersededBy,
		&d.Pinned, &eventID, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Constraints = unmarshalStrings(constraints)
	d.Alternatives = unmarshalStrings(alternatives)
	d.Consequences = unmarshalStrings(consequences)
	d.Refs = unmarshalStrings(refs)
	d.SupersededBy = scanNullString(supersededBy)
	d.EventID = scanNullString(eventID)
	return &d, nil
}

func scanDecisionRows(rows *sql.Rows) ([]*models.Decision, error) {
	defer func() { _ = rows.Close() }()
	var out []*models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const handoffColumns = `id, tenant_id, session_id, agent_id, channel, experienced, noticed,
	learned, story, becoming, remember, significance, tags, with_whom, compression_level,
	summary, quick_ref, refs, created_at, consolidated_at`

func scanHandoff(row rowScanner) (*models.Handoff, error) {
	var h models.Handoff
	var tags, withWhom, refs string
	var consolidatedAt sql.NullTime
	if err := row.Scan(
		&h.ID, &h.TenantID, &h.SessionID, &h.AgentID, &h.Channel, &h.Experienced, &h.Noticed,
		&h.Learned, &h.Story, &h.Becoming, &h.Remember, &h.Significance, &tags, &withWhom,
		&h.CompressionLevel, &h.Summary, &h.QuickRef, &refs, &h.CreatedAt, &consolidatedAt,
	); err != nil {
		return nil, err
	}
	h.Tags = unmarshalStrings(tags)
	h.WithWhom = unmarshalStrings(withWhom)
	h.Refs = unmarshalStrings(refs)
	h.ConsolidatedAt = scanNullTime(consolidatedAt)
	return &h, nil
}

func scanHandoffRows(rows *sql.Rows) ([]*models.Handoff, error) {
	defer func() { _ = rows.Close() }()
	var out []*models.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
