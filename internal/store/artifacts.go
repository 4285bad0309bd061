package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

const artifactColumns = `id, tenant_id, session_id, agent_id, channel, kind, external_uri, size_bytes, sha256, meta, refs, created_at`

// PutArtifactTx stores artifact content addressed by its SHA-256. When the
// same bytes were already stored for the tenant, the existing artifact is
// returned instead of a duplicate row.
func PutArtifactTx(tx *sql.Tx, scope models.Scope, kind string, content []byte, externalURI string, meta json.RawMessage, refs []string, now time.Time) (*models.Artifact, error) {
	if len(content) == 0 && externalURI == "" {
		return nil, models.E(models.ErrValidation, "artifact requires content or external_uri")
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	if existing, err := getArtifactByHashTx(tx, scope.TenantID, hash); err == nil && len(content) > 0 {
		return existing, nil
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}

	a := &models.Artifact{
		ID:          models.NewID(models.PrefixArtifact),
		TenantID:    scope.TenantID,
		SessionID:   scope.SessionID,
		AgentID:     scope.AgentID,
		Channel:     scope.Channel,
		Kind:        kind,
		ExternalURI: externalURI,
		SizeBytes:   int64(len(content)),
		SHA256:      hash,
		Meta:        meta,
		Refs:        refs,
		CreatedAt:   now.UTC(),
	}

	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO artifacts (id, tenant_id, session_id, agent_id, channel, kind, content, external_uri, size_bytes, sha256, meta, refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, scope.TenantID, scope.SessionID, scope.AgentID, string(scope.Channel), kind,
		content, externalURI, a.SizeBytes, hash, string(meta), marshalStrings(refs), a.CreatedAt)
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return getArtifactByHashTx(tx, scope.TenantID, hash)
		}
		return nil, fmt.Errorf("failed to insert artifact: %w", err)
	}
	return a, nil
}

func getArtifactByHashTx(tx *sql.Tx, tenantID, hash string) (*models.Artifact, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE tenant_id = ? AND sha256 = ?
	`, tenantID, hash)
	return scanArtifact(row)
}

// GetArtifact retrieves artifact metadata. Content is fetched separately via
// ReadArtifactContent so listings never drag blobs through memory.
func GetArtifact(q Querier, tenantID, artifactID string) (*models.Artifact, error) {
	var a *models.Artifact
	err := RetryWithBackoff(func() error {
		row := q.QueryRowContext(context.Background(), `
			SELECT `+artifactColumns+`
			FROM artifacts
			WHERE tenant_id = ? AND id = ?
		`, tenantID, artifactID)
		var scanErr error
		a, scanErr = scanArtifact(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "artifact %s not found", artifactID).WithDetail("artifact_id", artifactID)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ReadArtifactContent returns up to maxBytes of stored content starting at
// offset, plus the artifact's total size so callers can page.
func ReadArtifactContent(q Querier, tenantID, artifactID string, offset, maxBytes int64) ([]byte, int64, error) {
	if offset < 0 {
		return nil, 0, models.E(models.ErrValidation, "offset must be >= 0")
	}
	if maxBytes <= 0 {
		return nil, 0, models.E(models.ErrValidation, "max bytes must be > 0")
	}

	var (
		chunk []byte
		total int64
	)
	err := RetryWithBackoff(func() error {
		// substr is 1-indexed and works on blobs in SQLite.
		return q.QueryRowContext(context.Background(), `
			SELECT substr(content, ?, ?), size_bytes
			FROM artifacts
			WHERE tenant_id = ? AND id = ?
		`, offset+1, maxBytes, tenantID, artifactID).Scan(&chunk, &total)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, models.E(models.ErrNotFound, "artifact %s not found", artifactID).WithDetail("artifact_id", artifactID)
	}
	if err != nil {
		return nil, 0, err
	}
	return chunk, total, nil
}

// ListSessionArtifacts returns artifact metadata for a session, newest first.
func ListSessionArtifacts(q Querier, tenantID, sessionID string, limit int) ([]*models.Artifact, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []*models.Artifact
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), `
			SELECT `+artifactColumns+`
			FROM artifacts
			WHERE tenant_id = ? AND session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, tenantID, sessionID, limit)
		if err != nil {
			return fmt.Errorf("failed to list artifacts: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			a, err := scanArtifact(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var (
		a        models.Artifact
		channel  string
		metaJSON string
		refsJSON string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.SessionID, &a.AgentID, &channel,
		&a.Kind, &a.ExternalURI, &a.SizeBytes, &a.SHA256, &metaJSON, &refsJSON, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	a.Channel = models.Channel(channel)
	a.Meta = json.RawMessage(metaJSON)
	a.Refs = unmarshalStrings(refsJSON)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
