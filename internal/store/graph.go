package store

import (
	"context"
	"fmt"

	"github.com/dotcommander/mnemo/internal/models"
)

// Graph edges form the reference overlay between records (decision
// supersession chains, capsule item links). Edges must point backward in
// time, which keeps the overlay a DAG; inserts that would close a cycle are
// rejected.

// InsertEdgeTx adds one edge after checking that no path already runs from
// dst back to src. The backward-in-time rule makes the DFS bounded in
// practice; maxDepth is a hard stop against pathological data.
func InsertEdgeTx(tx Querier, e *models.GraphEdge) error {
	if e.SrcID == e.DstID {
		return models.E(models.ErrValidation, "graph edge cannot be a self-loop")
	}

	reachable, err := pathExists(tx, e.TenantID, e.DstID, e.SrcID, 64)
	if err != nil {
		return err
	}
	if reachable {
		return models.E(models.ErrValidation, "edge %s -> %s would create a cycle", e.SrcID, e.DstID).
			WithDetail("src_id", e.SrcID).WithDetail("dst_id", e.DstID)
	}

	_, err = tx.ExecContext(context.Background(), `
		INSERT OR IGNORE INTO graph_edges (tenant_id, src_id, dst_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.TenantID, e.SrcID, e.DstID, e.Kind, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert graph edge: %w", err)
	}
	return nil
}

// OutEdges returns the edges leaving a node.
func OutEdges(q Querier, tenantID, srcID string) ([]*models.GraphEdge, error) {
	rows, err := q.QueryContext(context.Background(), `
		SELECT tenant_id, src_id, dst_id, kind, created_at
		FROM graph_edges
		WHERE tenant_id = ? AND src_id = ?
		ORDER BY dst_id ASC, kind ASC
	`, tenantID, srcID)
	if err != nil {
		return nil, fmt.Errorf("failed to query graph edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.GraphEdge
	for rows.Next() {
		var e models.GraphEdge
		if err := rows.Scan(&e.TenantID, &e.SrcID, &e.DstID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan graph edge: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// pathExists runs an iterative DFS from start looking for target.
func pathExists(q Querier, tenantID, start, target string, maxDepth int) (bool, error) {
	type frame struct {
		id    string
		depth int
	}
	visited := map[string]bool{start: true}
	stack := []frame{{start, 0}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.id == target {
			return true, nil
		}
		if cur.depth >= maxDepth {
			continue
		}
		edges, err := OutEdges(q, tenantID, cur.id)
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if !visited[e.DstID] {
				visited[e.DstID] = true
				stack = append(stack, frame{e.DstID, cur.depth + 1})
			}
		}
	}
	return false, nil
}
