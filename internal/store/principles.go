package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
)

const principleColumns = `id, tenant_id, principle, context, category, confidence,
	source_handoff_ids, source_count, last_reinforced_at, created_at`

// InsertPrincipleTx persists a newly extracted semantic principle.
func InsertPrincipleTx(tx *sql.Tx, p *models.SemanticPrinciple) error {
	if p.Principle == "" {
		return models.E(models.ErrValidation, "principle text is required")
	}

	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO semantic_principles (id, tenant_id, principle, context, category, confidence,
			source_handoff_ids, source_count, last_reinforced_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TenantID, p.Principle, p.Context, p.Category, p.Confidence,
		marshalStrings(p.SourceHandoffIDs), p.SourceCount, p.LastReinforcedAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert principle: %w", err)
	}
	return nil
}

// ReinforcePrincipleTx records another sighting of an existing principle:
// confidence rises by increment (capped at 1.0), the new source handoffs are
// merged in, and the reinforcement clock resets.
func ReinforcePrincipleTx(tx *sql.Tx, tenantID, principleID string, sourceHandoffIDs []string, increment float64, now time.Time) (*models.SemanticPrinciple, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT `+principleColumns+`
		FROM semantic_principles
		WHERE tenant_id = ? AND id = ?
	`, tenantID, principleID)
	p, err := scanPrinciple(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.E(models.ErrNotFound, "principle %s not found", principleID).WithDetail("principle_id", principleID)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(p.SourceHandoffIDs))
	for _, id := range p.SourceHandoffIDs {
		seen[id] = true
	}
	added := 0
	for _, id := range sourceHandoffIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		p.SourceHandoffIDs = append(p.SourceHandoffIDs, id)
		added++
	}

	p.Confidence = p.Confidence + increment
	if p.Confidence > 1.0 {
		p.Confidence = 1.0
	}
	p.SourceCount += added
	p.LastReinforcedAt = now.UTC()

	_, err = tx.ExecContext(context.Background(), `
		UPDATE semantic_principles
		SET confidence = ?, source_handoff_ids = ?, source_count = ?, last_reinforced_at = ?
		WHERE tenant_id = ? AND id = ?
	`, p.Confidence, marshalStrings(p.SourceHandoffIDs), p.SourceCount, p.LastReinforcedAt, tenantID, principleID)
	if err != nil {
		return nil, fmt.Errorf("failed to reinforce principle: %w", err)
	}
	return p, nil
}

// DecayIdlePrinciplesTx applies multiplicative decay to principles that have
// gone unreinforced: confidence *= factor per full idle period, floored.
// Returns the ids of principles whose confidence changed.
func DecayIdlePrinciplesTx(tx *sql.Tx, tenantID string, idlePeriod time.Duration, factor, floor float64, now time.Time) ([]string, error) {
	if idlePeriod <= 0 {
		return nil, models.E(models.ErrValidation, "idle period must be positive")
	}

	cutoff := now.Add(-idlePeriod).UTC()
	rows, err := tx.QueryContext(context.Background(), `
		SELECT id, confidence, last_reinforced_at
		FROM semantic_principles
		WHERE tenant_id = ? AND last_reinforced_at < ? AND confidence > ?
	`, tenantID, cutoff, floor)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle principles: %w", err)
	}

	type decayRow struct {
		id         string
		confidence float64
		reinforced time.Time
	}
	var idle []decayRow
	for rows.Next() {
		var r decayRow
		if err := rows.Scan(&r.id, &r.confidence, &r.reinforced); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan idle principle: %w", err)
		}
		idle = append(idle, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var decayed []string
	for _, r := range idle {
		periods := int(now.Sub(r.reinforced) / idlePeriod)
		if periods <= 0 {
			continue
		}
		conf := r.confidence
		for i := 0; i < periods && conf > floor; i++ {
			conf *= factor
		}
		if conf < floor {
			conf = floor
		}
		if conf == r.confidence {
			continue
		}
		_, err := tx.ExecContext(context.Background(), `
			UPDATE semantic_principles
			SET confidence = ?
			WHERE tenant_id = ? AND id = ?
		`, conf, tenantID, r.id)
		if err != nil {
			return nil, fmt.Errorf("failed to decay principle %s: %w", r.id, err)
		}
		decayed = append(decayed, r.id)
	}
	return decayed, nil
}

// ListPrinciples returns a tenant's principles, strongest first.
func ListPrinciples(q Querier, tenantID string, limit int) ([]*models.SemanticPrinciple, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []*models.SemanticPrinciple
	err := RetryWithBackoff(func() error {
		rows, err := q.QueryContext(context.Background(), `
			SELECT `+principleColumns+`
			FROM semantic_principles
			WHERE tenant_id = ?
			ORDER BY confidence DESC, created_at ASC, id ASC
			LIMIT ?
		`, tenantID, limit)
		if err != nil {
			return fmt.Errorf("failed to list principles: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			p, err := scanPrinciple(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountPrinciples returns how many principles a tenant holds.
func CountPrinciples(q Querier, tenantID string) (int, error) {
	var n int
	err := q.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM semantic_principles WHERE tenant_id = ?
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count principles: %w", err)
	}
	return n, nil
}

func scanPrinciple(row rowScanner) (*models.SemanticPrinciple, error) {
	var (
		p          models.SemanticPrinciple
		sourceJSON string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Principle, &p.Context, &p.Category, &p.Confidence,
		&sourceJSON, &p.SourceCount, &p.LastReinforcedAt, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan principle: %w", err)
	}
	p.SourceHandoffIDs = unmarshalStrings(sourceJSON)
	p.LastReinforcedAt = p.LastReinforcedAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
