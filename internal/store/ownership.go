package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dotcommander/mnemo/internal/models"
)

// ownerTables maps an id prefix to the table holding the record.
var ownerTables = map[string]string{
	models.PrefixEvent:    "events",
	models.PrefixChunk:    "chunks",
	models.PrefixDecision: "decisions",
	models.PrefixArtifact: "artifacts",
	models.PrefixHandoff:  "handoffs",
	models.PrefixNote:     "knowledge_notes",
	models.PrefixCapsule:  "capsules",
}

// RecordTenant reports which tenant owns id, dispatching on the id's table
// prefix. Callers use it to distinguish a reference into another tenant from
// a reference to nothing.
func RecordTenant(q Querier, id string) (string, error) {
	idx := strings.IndexByte(id, '_')
	if idx <= 0 {
		return "", models.E(models.ErrNotFound, "record %s not found", id)
	}
	table, ok := ownerTables[id[:idx]]
	if !ok {
		return "", models.E(models.ErrNotFound, "record %s not found", id)
	}

	var tenantID string
	err := q.QueryRow(`SELECT tenant_id FROM `+table+` WHERE id = ?`, id).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.E(models.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve record owner: %w", err)
	}
	return tenantID, nil
}
