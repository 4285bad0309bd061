package consolidator

import (
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/store"
)

// Stats summarises a tenant's memory compression state.
type Stats struct {
	TenantID          string                                 `json:"tenant_id"`
	EventCount        int64                                  `json:"event_count"`
	ChunkCount        int64                                  `json:"chunk_count"`
	HandoffsByLevel   map[models.CompressionLevel]int        `json:"handoffs_by_level"`
	PrincipleCount    int                                    `json:"principle_count"`
	DecisionsByStatus map[string]int                         `json:"decisions_by_status"`
	LastRuns          map[string]*models.ConsolidationReport `json:"last_runs"`
}

// CollectStats gathers compression stats for one tenant.
func (c *Consolidator) CollectStats(tenantID string) (*Stats, error) {
	if tenantID == "" {
		return nil, models.E(models.ErrValidation, "tenant_id is required")
	}

	events, err := store.CountTenantEvents(c.db, tenantID)
	if err != nil {
		return nil, err
	}
	chunks, err := store.CountTenantChunks(c.db, tenantID)
	if err != nil {
		return nil, err
	}
	byLevel, err := store.CountHandoffsByLevel(c.db, tenantID)
	if err != nil {
		return nil, err
	}
	principles, err := store.CountPrinciples(c.db, tenantID)
	if err != nil {
		return nil, err
	}
	byStatus, err := store.CountDecisionsByStatus(c.db, tenantID)
	if err != nil {
		return nil, err
	}
	lastRuns, err := store.LatestReportPerJob(c.db, tenantID)
	if err != nil {
		return nil, err
	}

	return &Stats{
		TenantID:          tenantID,
		EventCount:        events,
		ChunkCount:        chunks,
		HandoffsByLevel:   byLevel,
		PrincipleCount:    principles,
		DecisionsByStatus: byStatus,
		LastRuns:          lastRuns,
	}, nil
}
