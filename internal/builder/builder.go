// Package builder assembles Active Context Bundles: the budgeted, sectioned
// context package an agent loads before acting. Packing is greedy by section
// priority, bounded by both per-section and total token budgets, and fully
// deterministic for a given store state and request.
package builder

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/retrieval"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
	"github.com/dotcommander/mnemo/pkg/hotset"
)

// Section names. Priorities and budgets come from config.
const (
	SectionIdentity  = "identity"
	SectionRules     = "rules"
	SectionTaskState = "task_state"
	SectionDecisions = "relevant_decisions"
	SectionEvidence  = "retrieved_evidence"
	SectionRecent    = "recent_window"
	SectionToolState = "tool_state"
)

// Builder assembles bundles from the store, the retriever, and the hot set.
type Builder struct {
	db  *sql.DB
	cfg app.Config
	ret *retrieval.Retriever
	hot *hotset.Cache
	est tokens.Estimator
	log *zap.Logger
}

// New wires a Builder. hot may be nil to disable the fast-path cache.
func New(db *sql.DB, cfg app.Config, ret *retrieval.Retriever, hot *hotset.Cache, est tokens.Estimator, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{db: db, cfg: cfg, ret: ret, hot: hot, est: est, log: log}
}

// Request describes one bundle build.
type Request struct {
	Scope     models.Scope
	QueryText string
	Intent    string
	Tags      []string
	MaxTokens int
	Now       time.Time
	Deadline  time.Time
}

// Item is one packed entry. ChunkID is set for chunk-backed items, Ref for
// everything else (views, decisions, tasks, principles).
type Item struct {
	ChunkID  string  `json:"chunk_id,omitempty"`
	Ref      string  `json:"ref,omitempty"`
	Text     string  `json:"text"`
	TokenEst int     `json:"token_est"`
	Score    float64 `json:"score,omitempty"`
}

// Section is one named block of the bundle.
type Section struct {
	Name     string `json:"name"`
	TokenEst int    `json:"token_est"`
	Items    []Item `json:"items"`
}

// Omission records one candidate left out and why.
type Omission struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Provenance makes every bundle auditable and replayable.
type Provenance struct {
	GeneratedAt       time.Time `json:"generated_at"`
	TokenizerVersion  string    `json:"tokenizer_version"`
	DeterministicSeed string    `json:"deterministic_seed"`
	FastPath          bool      `json:"fast_path"`
	Semantic          bool      `json:"semantic"`
	Candidates        int       `json:"candidates"`
	Suppressed        int       `json:"suppressed"`
}

// Bundle is one assembled Active Context Bundle.
type Bundle struct {
	ID           string     `json:"acb_id"`
	TenantID     string     `json:"tenant_id"`
	SessionID    string     `json:"session_id"`
	AgentID      string     `json:"agent_id"`
	BudgetTokens int        `json:"budget_tokens"`
	TokenUsedEst int        `json:"token_used_est"`
	Sections     []Section  `json:"sections"`
	Omissions    []Omission `json:"omissions,omitempty"`
	Partial      bool       `json:"partial"`
	Provenance   Provenance `json:"provenance"`
}

// Build assembles one bundle. Returns budget_impossible when the identity
// and rules floor alone exceeds the budget, and a partial bundle when the
// deadline cuts packing short.
func (b *Builder) Build(ctx context.Context, req Request) (*Bundle, error) {
	if req.Scope.TenantID == "" || req.Scope.SessionID == "" || req.Scope.AgentID == "" {
		return nil, models.E(models.ErrValidation, "tenant_id, session_id and agent_id are required")
	}
	if !req.Scope.Channel.Valid() {
		return nil, models.E(models.ErrValidation, "unknown channel %q", req.Scope.Channel)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.ACB.TotalMaxTokens
	}
	budget := maxTokens - b.cfg.ACB.ReserveTokens
	if budget <= 0 {
		return nil, models.E(models.ErrBudgetImpossible, "budget %d leaves no room after the %d token reserve",
			maxTokens, b.cfg.ACB.ReserveTokens)
	}

	fastPath := models.IsFastPathIntent(req.Intent)

	bundle := &Bundle{
		ID:           models.NewID(models.PrefixBundle),
		TenantID:     req.Scope.TenantID,
		SessionID:    req.Scope.SessionID,
		AgentID:      req.Scope.AgentID,
		BudgetTokens: budget,
		Provenance: Provenance{
			GeneratedAt:       now,
			TokenizerVersion:  b.est.Version(),
			DeterministicSeed: "none",
			FastPath:          fastPath,
		},
	}

	sources, err := b.gather(ctx, req, now, fastPath, bundle)
	if err != nil {
		return nil, err
	}

	// The identity and rules floor must fit or no useful bundle exists.
	floor := 0
	for _, name := range []string{SectionIdentity, SectionRules} {
		for _, it := range sources[name] {
			floor += it.TokenEst
		}
	}
	if floor > budget {
		return nil, models.E(models.ErrBudgetImpossible, "identity and rules need %d tokens but only %d fit", floor, budget).
			WithDetail("floor_tokens", fmt.Sprintf("%d", floor)).
			WithDetail("budget_tokens", fmt.Sprintf("%d", budget))
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
	}

	used := 0
	for _, name := range b.cfg.SectionOrder() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			bundle.Partial = true
			bundle.Omissions = append(bundle.Omissions, Omission{ID: name, Reason: ReasonDeadline})
			continue
		}

		items := sources[name]
		if len(items) == 0 {
			continue
		}
		sectionMax := b.cfg.ACB.Sections[name].MaxTokens

		section := Section{Name: name}
		for _, it := range items {
			if section.TokenEst+it.TokenEst > sectionMax {
				bundle.Omissions = append(bundle.Omissions, Omission{ID: itemID(it), Reason: ReasonSectionBudget})
				continue
			}
			if used+it.TokenEst > budget {
				bundle.Omissions = append(bundle.Omissions, Omission{ID: itemID(it), Reason: ReasonTotalBudget})
				continue
			}
			section.Items = append(section.Items, it)
			section.TokenEst += it.TokenEst
			used += it.TokenEst
		}
		if len(section.Items) > 0 {
			bundle.Sections = append(bundle.Sections, section)
		}
	}
	bundle.TokenUsedEst = used

	b.log.Debug("bundle built",
		zap.String("acb_id", bundle.ID),
		zap.String("tenant_id", bundle.TenantID),
		zap.Int("token_used_est", used),
		zap.Int("budget", budget),
		zap.Bool("fast_path", fastPath),
		zap.Bool("partial", bundle.Partial),
		zap.Int("omissions", len(bundle.Omissions)))
	return bundle, nil
}

// gather loads every section's candidate items in packing order. Dedupe runs
// across the chunk-backed sections so the same content never appears twice.
func (b *Builder) gather(ctx context.Context, req Request, now time.Time, fastPath bool, bundle *Bundle) (map[string][]Item, error) {
	tenant := req.Scope.TenantID
	sources := make(map[string][]Item, 7)
	dedupe := newDeduper(b.cfg.ACB.SimHashMaxDistance)

	views, err := store.GetViews(b.db, tenant, []string{"identity", "rules", "preferences"})
	if err != nil {
		return nil, err
	}
	suppressedViews := make(map[string]bool)
	for _, name := range b.cfg.SuppressedViews(req.Scope.Channel) {
		suppressedViews[name] = true
	}
	viewItem := func(name string) (Item, bool) {
		v, ok := views[name]
		if !ok || suppressedViews[name] || !b.cfg.ChannelAllows(req.Scope.Channel, v.Sensitivity) {
			return Item{}, false
		}
		te := v.TokenEst
		if te <= 0 {
			te = tokens.EstimateMinOne(b.est, v.Text)
		}
		return Item{Ref: "view:" + name, Text: v.Text, TokenEst: te}, true
	}

	// identity: the pinned identity view plus the strongest principles.
	if it, ok := viewItem("identity"); ok {
		sources[SectionIdentity] = append(sources[SectionIdentity], it)
	}
	principles, err := store.ListPrinciples(b.db, tenant, 10)
	if err != nil {
		return nil, err
	}
	for _, p := range principles {
		text := p.Principle
		if p.Context != "" {
			text += " (" + p.Context + ")"
		}
		sources[SectionIdentity] = append(sources[SectionIdentity], Item{
			Ref:      p.ID,
			Text:     text,
			TokenEst: tokens.EstimateMinOne(b.est, text),
			Score:    p.Confidence,
		})
	}

	// rules: the rules view, then preferences unless the channel suppresses it.
	if it, ok := viewItem("rules"); ok {
		sources[SectionRules] = append(sources[SectionRules], it)
	}
	if it, ok := viewItem("preferences"); ok {
		sources[SectionRules] = append(sources[SectionRules], it)
	}

	tasks, err := store.ListOpenTasks(b.db, tenant, 20)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		text := taskText(t)
		sources[SectionTaskState] = append(sources[SectionTaskState], Item{
			Ref:      t.ID,
			Text:     text,
			TokenEst: tokens.EstimateMinOne(b.est, text),
		})
	}

	decisions, err := store.ListActiveDecisions(b.db, tenant, b.cfg.ACB.DecisionsMax)
	if err != nil {
		return nil, err
	}
	// Pinned first, then by lexical match against the query, newest as the
	// tie-break so an empty query degrades to recency order.
	queryTerms := store.NormalizeTerms(req.QueryText)
	scores := make(map[string]float64, len(decisions))
	for _, d := range decisions {
		scores[d.ID] = termOverlap(queryTerms, store.NormalizeTerms(decisionText(d)))
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		if decisions[i].Pinned != decisions[j].Pinned {
			return decisions[i].Pinned
		}
		if scores[decisions[i].ID] != scores[decisions[j].ID] {
			return scores[decisions[i].ID] > scores[decisions[j].ID]
		}
		return decisions[i].ID > decisions[j].ID
	})
	for _, d := range decisions {
		text := decisionText(d)
		sources[SectionDecisions] = append(sources[SectionDecisions], Item{
			Ref:      d.ID,
			Text:     text,
			TokenEst: tokens.EstimateMinOne(b.est, text),
			Score:    scores[d.ID],
		})
	}

	if !fastPath && b.ret != nil {
		res, err := b.ret.Retrieve(ctx, retrieval.Request{
			Scope:     req.Scope,
			QueryText: req.QueryText,
			Tags:      req.Tags,
			Now:       now,
		})
		if err != nil {
			return nil, err
		}
		bundle.Provenance.Semantic = res.Semantic
		bundle.Provenance.Candidates = res.Candidates
		bundle.Provenance.Suppressed = res.Suppressed

		evidence, err := b.evidenceItems(res.Chunks, tenant, dedupe, bundle)
		if err != nil {
			return nil, err
		}
		sources[SectionEvidence] = evidence
	}

	recent, err := b.recentChunks(req.Scope, fastPath)
	if err != nil {
		return nil, err
	}
	sources[SectionRecent] = b.chunkItems(recent, req.Scope.Channel, dedupe, bundle)

	toolChunks, err := store.SessionToolResultChunks(b.db, tenant, req.Scope.SessionID, 50)
	if err != nil {
		return nil, err
	}
	sources[SectionToolState] = b.chunkItems(toolChunks, req.Scope.Channel, dedupe, bundle)

	return sources, nil
}

// evidenceItems converts scored chunks into items, dropping duplicates and
// handoff summaries whose backing event cites no sources.
func (b *Builder) evidenceItems(scored []retrieval.Scored, tenant string, dedupe *deduper, bundle *Bundle) ([]Item, error) {
	var summaryEvents []string
	for _, s := range scored {
		if hasTag(s.Chunk.Tags, models.TagHandoffSummary) {
			summaryEvents = append(summaryEvents, s.Chunk.EventID)
		}
	}
	refs := map[string][]string{}
	if len(summaryEvents) > 0 {
		var err error
		refs, err = store.EventRefs(b.db, tenant, summaryEvents)
		if err != nil {
			return nil, err
		}
	}

	out := make([]Item, 0, len(scored))
	for _, s := range scored {
		c := s.Chunk
		if hasTag(c.Tags, models.TagHandoffSummary) && len(refs[c.EventID]) == 0 {
			bundle.Omissions = append(bundle.Omissions, Omission{ID: c.ID, Reason: ReasonMissingRefs})
			continue
		}
		if reason, dup := dedupe.check(c); dup {
			bundle.Omissions = append(bundle.Omissions, Omission{ID: c.ID, Reason: reason})
			continue
		}
		out = append(out, Item{ChunkID: c.ID, Text: c.Text, TokenEst: c.TokenEst, Score: s.Score})
	}
	return out, nil
}

// chunkItems filters raw chunks through the channel matrix and the shared
// deduper.
func (b *Builder) chunkItems(chunks []*models.Chunk, channel models.Channel, dedupe *deduper, bundle *Bundle) []Item {
	out := make([]Item, 0, len(chunks))
	for _, c := range chunks {
		if !b.cfg.ChannelAllows(channel, c.Sensitivity) {
			bundle.Omissions = append(bundle.Omissions, Omission{ID: c.ID, Reason: ReasonSuppressed})
			continue
		}
		if reason, dup := dedupe.check(c); dup {
			bundle.Omissions = append(bundle.Omissions, Omission{ID: c.ID, Reason: reason})
			continue
		}
		out = append(out, Item{ChunkID: c.ID, Text: c.Text, TokenEst: c.TokenEst})
	}
	return out
}

// recentChunks loads the session's recent window. The fast path reads chunk
// ids from the hot set when warm, skipping the recency query; either way the
// store remains the source of truth for chunk content and flags.
func (b *Builder) recentChunks(scope models.Scope, fastPath bool) ([]*models.Chunk, error) {
	if fastPath && b.hot != nil {
		if entries := b.hot.List(scope.TenantID, scope.SessionID); len(entries) > 0 {
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				ids = append(ids, e.Key)
			}
			chunks, err := store.GetChunks(b.db, scope.TenantID, ids)
			if err != nil {
				return nil, err
			}
			sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID > chunks[j].ID })
			return chunks, nil
		}
	}

	limit := b.cfg.Retrieval.HotsetRecentMax
	if fastPath && b.cfg.Retrieval.FastPathPoolMax < limit {
		limit = b.cfg.Retrieval.FastPathPoolMax
	}
	chunks, err := store.SessionRecentChunks(b.db, scope.TenantID, scope.SessionID, limit)
	if err != nil {
		return nil, err
	}
	if b.hot != nil {
		// Warm the cache newest-last so List returns newest-first.
		for i := len(chunks) - 1; i >= 0; i-- {
			b.hot.Set(scope.TenantID, scope.SessionID, chunks[i].ID, chunks[i].Text)
		}
	}
	return chunks, nil
}

func itemID(it Item) string {
	if it.ChunkID != "" {
		return it.ChunkID
	}
	return it.Ref
}

// termOverlap is the share of query terms the candidate's terms cover.
func termOverlap(query, candidate []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(candidate))
	for _, t := range candidate {
		set[t] = struct{}{}
	}
	matched := 0
	for _, t := range query {
		if _, ok := set[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

func decisionText(d *models.Decision) string {
	var sb strings.Builder
	sb.WriteString(d.Decision)
	if d.Rationale != "" {
		sb.WriteString("\nrationale: ")
		sb.WriteString(d.Rationale)
	}
	if len(d.Constraints) > 0 {
		sb.WriteString("\nconstraints: ")
		sb.WriteString(strings.Join(d.Constraints, "; "))
	}
	return sb.String()
}

func taskText(t *models.Task) string {
	text := t.Title + " [" + string(t.Status) + "]"
	if t.Details != "" {
		text += "\n" + t.Details
	}
	return text
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
