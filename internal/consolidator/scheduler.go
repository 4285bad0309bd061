package consolidator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/store"
)

// Start runs all consolidation jobs for every known tenant on the configured
// interval until ctx is cancelled. The first sweep happens one interval in.
func (c *Consolidator) Start(ctx context.Context) {
	interval := time.Duration(c.cfg.Consolidation.ScheduleIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Consolidator) sweep(ctx context.Context) {
	tenants, err := store.ListTenants(c.db)
	if err != nil {
		c.log.Warn("consolidation sweep: listing tenants failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		reports, err := c.Run(ctx, tenant, JobAll, now)
		if err != nil {
			c.log.Warn("consolidation sweep failed", zap.String("tenant_id", tenant), zap.Error(err))
			continue
		}
		for _, r := range reports {
			c.log.Info("consolidation job finished",
				zap.String("tenant_id", tenant),
				zap.String("job", r.JobType),
				zap.Int("items_processed", r.ItemsProcessed),
				zap.Int("items_affected", r.ItemsAffected),
				zap.Int("tokens_saved", r.TokensSaved))
		}
	}
}
