// Package consolidator runs the background compression jobs that keep memory
// growth sublinear: handoffs advance through compression tiers as they age,
// stale decisions leave the default selection, and recurring lessons in the
// identity thread become semantic principles.
package consolidator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
)

// Job names accepted by Run.
const (
	JobHandoffs  = "handoff_compression"
	JobDecisions = "decision_archival"
	JobIdentity  = "identity_extraction"
	JobAll       = "all"
)

// Consolidator executes compression jobs against one store.
type Consolidator struct {
	db  *sql.DB
	cfg app.Config
	est tokens.Estimator
	log *zap.Logger
}

// New wires a Consolidator.
func New(db *sql.DB, cfg app.Config, est tokens.Estimator, log *zap.Logger) *Consolidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consolidator{db: db, cfg: cfg, est: est, log: log}
}

// Run executes the named job (or every job for "all") for one tenant and
// persists a report per job run. Job failures are recorded in their report
// rather than aborting the remaining jobs.
func (c *Consolidator) Run(ctx context.Context, tenantID, job string, now time.Time) ([]*models.ConsolidationReport, error) {
	if tenantID == "" {
		return nil, models.E(models.ErrValidation, "tenant_id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	type namedJob struct {
		name string
		fn   func(context.Context, string, time.Time) (*models.ConsolidationReport, error)
	}
	var jobs []namedJob
	switch job {
	case JobHandoffs:
		jobs = []namedJob{{JobHandoffs, c.compressHandoffs}}
	case JobDecisions:
		jobs = []namedJob{{JobDecisions, c.archiveDecisions}}
	case JobIdentity:
		jobs = []namedJob{{JobIdentity, c.extractIdentity}}
	case JobAll, "":
		jobs = []namedJob{
			{JobHandoffs, c.compressHandoffs},
			{JobDecisions, c.archiveDecisions},
			{JobIdentity, c.extractIdentity},
		}
	default:
		return nil, models.E(models.ErrValidation, "unknown consolidation job %q", job)
	}

	reports := make([]*models.ConsolidationReport, 0, len(jobs))
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := j.fn(ctx, tenantID, now)
		if err != nil {
			report = &models.ConsolidationReport{TenantID: tenantID, JobType: j.name, Error: err.Error(), CreatedAt: now}
			c.log.Warn("consolidation job failed", zap.String("job", j.name), zap.String("tenant_id", tenantID), zap.Error(err))
		}
		if err := store.InsertReport(c.db, report); err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// compressHandoffs advances aged handoffs one tier per run:
// full -> summary -> quick_ref -> integrated, by age thresholds.
func (c *Consolidator) compressHandoffs(ctx context.Context, tenantID string, now time.Time) (*models.ConsolidationReport, error) {
	report := &models.ConsolidationReport{TenantID: tenantID, JobType: JobHandoffs, CreatedAt: now}

	type tier struct {
		from models.CompressionLevel
		to   models.CompressionLevel
		age  int
	}
	tiers := []tier{
		{models.CompressionFull, models.CompressionSummary, c.cfg.Consolidation.SummaryThresholdDays},
		{models.CompressionSummary, models.CompressionQuickRef, c.cfg.Consolidation.QuickRefThresholdDays},
		{models.CompressionQuickRef, models.CompressionIntegrated, c.cfg.Consolidation.IntegrationThresholdDays},
	}

	for _, t := range tiers {
		cutoff := now.AddDate(0, 0, -t.age)
		aged, err := store.HandoffsForCompression(c.db, tenantID, t.from, cutoff, 100)
		if err != nil {
			return nil, err
		}
		for _, h := range aged {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.ItemsProcessed++

			before := c.tierTokens(h)
			var summary, quickRef string
			switch t.to {
			case models.CompressionSummary:
				summary = summarizeHandoff(c.est, h, c.cfg.Consolidation.SummaryTargetTokens)
			case models.CompressionQuickRef:
				quickRef = quickRefFor(c.est, h, c.cfg.Consolidation.QuickRefTargetTokens)
			}

			err := store.Transact(c.db, func(tx *sql.Tx) error {
				return store.AdvanceHandoffTx(tx, tenantID, h.ID, t.to, summary, quickRef, now)
			})
			if err != nil {
				return nil, err
			}
			report.ItemsAffected++

			after := 0
			switch t.to {
			case models.CompressionSummary:
				after = c.est.Estimate(summary)
			case models.CompressionQuickRef:
				after = c.est.Estimate(quickRef)
			case models.CompressionIntegrated:
				after = c.est.Estimate(h.QuickRef)
			}
			if saved := before - after; saved > 0 {
				report.TokensSaved += saved
			}
		}
	}
	report.Details = fmt.Sprintf("advanced %d handoffs", report.ItemsAffected)
	return report, nil
}

// tierTokens is what loading the handoff costs at its current tier.
func (c *Consolidator) tierTokens(h *models.Handoff) int {
	switch h.CompressionLevel {
	case models.CompressionFull:
		return narrativeTokens(c.est, h)
	case models.CompressionSummary:
		return c.est.Estimate(h.Summary)
	default:
		return c.est.Estimate(h.QuickRef)
	}
}

// archiveDecisions flips unpinned active decisions older than the threshold
// out of the default selection. They stay queryable forever.
func (c *Consolidator) archiveDecisions(_ context.Context, tenantID string, now time.Time) (*models.ConsolidationReport, error) {
	cutoff := now.AddDate(0, 0, -c.cfg.Consolidation.DecisionArchiveThresholdDays)
	archived, err := store.ArchiveDecisionsBefore(c.db, tenantID, cutoff, now)
	if err != nil {
		return nil, err
	}
	return &models.ConsolidationReport{
		TenantID:       tenantID,
		JobType:        JobDecisions,
		ItemsProcessed: len(archived),
		ItemsAffected:  len(archived),
		Details:        fmt.Sprintf("archived %d decisions", len(archived)),
		CreatedAt:      now,
	}, nil
}

// extractIdentity groups the identity thread's recurring lessons into
// semantic principles, reinforces principles that recur, and decays the ones
// that have gone quiet.
func (c *Consolidator) extractIdentity(_ context.Context, tenantID string, now time.Time) (*models.ConsolidationReport, error) {
	report := &models.ConsolidationReport{TenantID: tenantID, JobType: JobIdentity, CreatedAt: now}

	thread, err := store.IdentityThread(c.db, tenantID, 0, 500)
	if err != nil {
		return nil, err
	}
	identity := thread[:0]
	for _, h := range thread {
		if h.InIdentityThread() {
			identity = append(identity, h)
		}
	}
	report.ItemsProcessed = len(identity)

	if len(identity) >= c.cfg.Consolidation.IdentityConsolidationMinCount {
		groups := groupByLesson(identity)
		existing, err := store.ListPrinciples(c.db, tenantID, 500)
		if err != nil {
			return nil, err
		}

		err = store.Transact(c.db, func(tx *sql.Tx) error {
			for _, g := range groups {
				if len(g.handoffs) < 2 {
					continue
				}
				ids := make([]string, len(g.handoffs))
				for i, h := range g.handoffs {
					ids[i] = h.ID
				}

				if match := matchPrinciple(existing, g.terms); match != nil {
					if _, err := store.ReinforcePrincipleTx(tx, tenantID, match.ID, ids, c.cfg.Consolidation.ReinforceIncrement, now); err != nil {
						return err
					}
					report.ItemsAffected++
					continue
				}

				confidence := 0.3 + c.cfg.Consolidation.ReinforceIncrement*float64(len(g.handoffs)-1)
				if confidence > 1.0 {
					confidence = 1.0
				}
				p := &models.SemanticPrinciple{
					ID:               models.NewID(models.PrefixPrinciple),
					TenantID:         tenantID,
					Principle:        g.lesson,
					Category:         "identity",
					Confidence:       confidence,
					SourceHandoffIDs: ids,
					SourceCount:      len(ids),
					LastReinforcedAt: now,
					CreatedAt:        now,
				}
				if err := store.InsertPrincipleTx(tx, p); err != nil {
					return err
				}
				existing = append(existing, p)
				report.ItemsAffected++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var decayed []string
	err = store.Transact(c.db, func(tx *sql.Tx) error {
		var txErr error
		decayed, txErr = store.DecayIdlePrinciplesTx(tx, tenantID,
			time.Duration(c.cfg.Consolidation.DecayIdleDays)*24*time.Hour,
			c.cfg.Consolidation.DecayFactor, c.cfg.Consolidation.ConfidenceFloor, now)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	report.Details = fmt.Sprintf("extracted or reinforced %d principles, decayed %d", report.ItemsAffected, len(decayed))
	return report, nil
}

// lessonGroup is a cluster of handoffs teaching the same lesson.
type lessonGroup struct {
	lesson   string
	terms    map[string]struct{}
	handoffs []*models.Handoff
}

// groupByLesson clusters handoffs greedily: each joins the first group whose
// term set overlaps its own at Jaccard >= 0.5, otherwise it starts one. The
// thread arrives oldest first, so group representatives are stable across
// runs.
func groupByLesson(handoffs []*models.Handoff) []*lessonGroup {
	var groups []*lessonGroup
	for _, h := range handoffs {
		lesson := h.Learned
		if lesson == "" {
			lesson = h.Becoming
		}
		terms := termSet(lesson)
		if len(terms) == 0 {
			continue
		}

		joined := false
		for _, g := range groups {
			if jaccard(g.terms, terms) >= 0.5 {
				g.handoffs = append(g.handoffs, h)
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, &lessonGroup{lesson: lesson, terms: terms, handoffs: []*models.Handoff{h}})
		}
	}
	return groups
}

// matchPrinciple finds an existing principle covering the same lesson.
func matchPrinciple(existing []*models.SemanticPrinciple, terms map[string]struct{}) *models.SemanticPrinciple {
	for _, p := range existing {
		if jaccard(termSet(p.Principle), terms) >= 0.5 {
			return p
		}
	}
	return nil
}

func termSet(text string) map[string]struct{} {
	terms := store.NormalizeTerms(text)
	out := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		out[t] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
