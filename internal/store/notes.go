package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dotcommander/mnemo/internal/models"
)

const noteColumns = `id, tenant_id, session_id, agent_id, channel, text, tags, with_whom, event_id, created_at`

// InsertKnowledgeNoteTx persists a durable cross-session note. The note's
// backing event (recorded by the caller in the same transaction) makes it
// retrievable through the normal chunk pipeline.
func InsertKnowledgeNoteTx(tx Querier, n *models.KnowledgeNote) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO knowledge_notes (id, tenant_id, session_id, agent_id, channel, text, tags, with_whom, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.TenantID, n.SessionID, n.AgentID, string(n.Channel),
		n.Text, marshalStrings(n.Tags), marshalStrings(n.WithWhom), nullIfEmpty(n.EventID), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge note: %w", err)
	}
	return nil
}

// GetKnowledgeNotes returns notes newest first, optionally filtered by tags
// (a note matches when it carries any of the requested tags).
func GetKnowledgeNotes(q Querier, tenantID string, tags []string, limit int) ([]*models.KnowledgeNote, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + noteColumns + `
		FROM knowledge_notes
		WHERE tenant_id = ?`
	args := []any{tenantID}
	if len(tags) > 0 {
		likes := make([]string, 0, len(tags))
		for _, tag := range tags {
			likes = append(likes, `tags LIKE ?`)
			args = append(args, `%"`+tag+`"%`)
		}
		query += ` AND (` + strings.Join(likes, " OR ") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []*models.KnowledgeNote
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), query, args...)
		if err != nil {
			return fmt.Errorf("failed to list knowledge notes: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			n, err := scanNote(rows)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanNote(row rowScanner) (*models.KnowledgeNote, error) {
	var (
		n        models.KnowledgeNote
		channel  string
		tagsJSON string
		withJSON string
		eventID  sql.NullString
	)
	if err := row.Scan(&n.ID, &n.TenantID, &n.SessionID, &n.AgentID, &channel,
		&n.Text, &tagsJSON, &withJSON, &eventID, &n.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan knowledge note: %w", err)
	}
	n.Channel = models.Channel(channel)
	n.Tags = unmarshalStrings(tagsJSON)
	n.WithWhom = unmarshalStrings(withJSON)
	n.EventID = scanNullString(eventID)
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}
