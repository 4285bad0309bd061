// Package retrieval selects the bounded, scored set of chunks the ACB
// builder packs as evidence. Candidate generation, privacy suppression, and
// scoring are all deterministic: the same store state and query always
// produce the same ranked result.
package retrieval

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/store"
)

// Retriever runs bounded candidate generation and scoring against the store.
type Retriever struct {
	db  *sql.DB
	cfg app.Config
	vec *VectorIndex
	log *zap.Logger
}

// New builds a Retriever. vec may be nil; semantic fusion then stays off
// regardless of config.
func New(db *sql.DB, cfg app.Config, vec *VectorIndex, log *zap.Logger) *Retriever {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{db: db, cfg: cfg, vec: vec, log: log}
}

// Request describes one retrieval.
type Request struct {
	Scope     models.Scope
	QueryText string
	Tags      []string
	Limit     int
	Now       time.Time
}

// Scored is one ranked chunk with its score decomposition.
type Scored struct {
	Chunk   *models.Chunk `json:"chunk"`
	Score   float64       `json:"score"`
	Lexical float64       `json:"lexical"`
	Recency float64       `json:"recency"`
	Source  string        `json:"source"`
}

// Result is the ranked outcome plus bookkeeping for provenance.
type Result struct {
	Chunks     []Scored `json:"chunks"`
	Candidates int      `json:"candidates"`
	Suppressed int      `json:"suppressed"`
	Semantic   bool     `json:"semantic"`
}

// Candidate source labels, in pool priority order.
const (
	SourcePinned  = "pinned"
	SourceSession = "session_recent"
	SourceTag     = "tag_head"
	SourceLexical = "lexical"
	SourceRecency = "recency_tail"
)

// Retrieve runs the full pipeline: candidate union, suppression, scoring,
// optional semantic fusion, deterministic ordering, truncation.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.Scope.TenantID == "" {
		return nil, models.E(models.ErrValidation, "tenant_id is required")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	limit := req.Limit
	if limit <= 0 || limit > r.cfg.Retrieval.RetrievedChunksMax {
		limit = r.cfg.Retrieval.RetrievedChunksMax
	}

	terms := store.NormalizeTerms(req.QueryText)
	pool, lexHits, err := r.candidates(req, terms)
	if err != nil {
		return nil, err
	}

	res := &Result{Candidates: len(pool)}

	pool, suppressed, err := r.suppress(req.Scope, pool, now)
	if err != nil {
		return nil, err
	}
	res.Suppressed = suppressed

	decisionRefs, err := r.activeDecisionRefs(req.Scope.TenantID)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(pool))
	for _, cand := range pool {
		lex := 0.0
		if len(terms) > 0 {
			lex = float64(lexHits[cand.chunk.ID]) / float64(len(terms))
		}
		s := r.score(cand.chunk, lex, now, decisionRefs, req.Tags)
		s.Source = cand.source
		scored = append(scored, s)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return lessChunk(scored[i].Chunk, scored[j].Chunk)
	})

	if r.semanticOn(req.QueryText) {
		res.Semantic = r.fuseSemantic(ctx, req, scored)
	}

	if len(scored) > limit {
		scored = scored[:limit]
	}
	res.Chunks = scored
	return res, nil
}

type candidate struct {
	chunk  *models.Chunk
	source string
}

// candidates unions the five generators in priority order, deduplicating by
// chunk id and capping the pool. Priority decides which chunks survive the
// cap, not their final rank; scoring owns the rank.
func (r *Retriever) candidates(req Request, terms []string) ([]candidate, map[string]int, error) {
	poolMax := r.cfg.Retrieval.CandidatePoolMax
	tenant := req.Scope.TenantID

	lexHits, err := store.TermMatches(r.db, tenant, terms, poolMax)
	if err != nil {
		return nil, nil, err
	}

	pinned, err := store.PinnedChunks(r.db, tenant, poolMax)
	if err != nil {
		return nil, nil, err
	}
	session, err := store.SessionRecentChunks(r.db, tenant, req.Scope.SessionID, r.cfg.Retrieval.HotsetRecentMax)
	if err != nil {
		return nil, nil, err
	}
	var tagged []*models.Chunk
	if len(req.Tags) > 0 {
		tagged, err = store.TagHeadChunks(r.db, tenant, req.Tags, poolMax)
		if err != nil {
			return nil, nil, err
		}
	}
	lexical, err := r.lexicalChunks(tenant, lexHits)
	if err != nil {
		return nil, nil, err
	}
	tail, err := store.RecencyTail(r.db, tenant, r.cfg.Retrieval.RecencyTailWindow)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, poolMax)
	pool := make([]candidate, 0, poolMax)
	add := func(chunks []*models.Chunk, source string) {
		for _, c := range chunks {
			if len(pool) >= poolMax {
				return
			}
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			pool = append(pool, candidate{chunk: c, source: source})
		}
	}
	add(pinned, SourcePinned)
	add(session, SourceSession)
	add(tagged, SourceTag)
	add(lexical, SourceLexical)
	add(tail, SourceRecency)
	return pool, lexHits, nil
}

// lexicalChunks loads term-match hits ordered by match count desc, id asc, so
// the pool cap keeps the strongest lexical candidates.
func (r *Retriever) lexicalChunks(tenantID string, hits map[string]int) ([]*models.Chunk, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if hits[ids[i]] != hits[ids[j]] {
			return hits[ids[i]] > hits[ids[j]]
		}
		return ids[i] < ids[j]
	})

	chunks, err := store.GetChunks(r.db, tenantID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	out := make([]*models.Chunk, 0, len(chunks))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// suppress enforces the channel sensitivity matrix and cross-agent privacy
// before any scoring happens. A chunk from another agent's private channel is
// visible only through an active capsule naming the requester.
func (r *Retriever) suppress(scope models.Scope, pool []candidate, now time.Time) ([]candidate, int, error) {
	var audience map[string]map[string]bool

	out := pool[:0]
	suppressed := 0
	for _, cand := range pool {
		c := cand.chunk
		if !r.cfg.ChannelAllows(scope.Channel, c.Sensitivity) {
			suppressed++
			continue
		}
		if c.Channel == models.ChannelPrivate && c.AgentID != scope.AgentID {
			if audience == nil {
				var err error
				audience, err = store.CapsuleChunkAudience(r.db, scope.TenantID, now)
				if err != nil {
					return nil, 0, err
				}
			}
			if !audience[c.ID][scope.AgentID] {
				suppressed++
				continue
			}
		}
		out = append(out, cand)
	}
	return out, suppressed, nil
}

// activeDecisionRefs returns the set of event ids the tenant's active
// decisions cite; chunks of those events get the decision_ref boost.
func (r *Retriever) activeDecisionRefs(tenantID string) (map[string]bool, error) {
	decisions, err := store.ListActiveDecisions(r.db, tenantID, r.cfg.ACB.DecisionsMax)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]bool)
	for _, d := range decisions {
		for _, ref := range d.Refs {
			refs[ref] = true
		}
	}
	return refs, nil
}

func (r *Retriever) score(c *models.Chunk, lex float64, now time.Time, decisionRefs map[string]bool, reqTags []string) Scored {
	age := now.Sub(c.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	rec := math.Exp(-age / r.cfg.Scoring.RecencyTauSecs)

	score := r.cfg.Scoring.Alpha*lex + r.cfg.Scoring.Beta*rec + r.cfg.Scoring.Gamma*c.Importance
	if len(reqTags) > 0 && hasAnyTag(c.Tags, reqTags) {
		score += r.cfg.Scoring.TagBoost
	}
	if decisionRefs[c.EventID] {
		score += r.cfg.Scoring.DecisionRefBoost
	}
	return Scored{Chunk: c, Score: score, Lexical: lex, Recency: rec}
}

func (r *Retriever) semanticOn(query string) bool {
	return r.cfg.Retrieval.SemanticEnabled && r.vec != nil && query != ""
}

// fuseSemantic reorders scored in place by reciprocal rank fusion of the
// lexical ranking with the vector ranking. A vector outage degrades to the
// lexical order silently.
func (r *Retriever) fuseSemantic(ctx context.Context, req Request, scored []Scored) bool {
	vecIDs, err := r.vec.Query(ctx, req.Scope.TenantID, req.QueryText, len(scored))
	if err != nil {
		r.log.Warn("semantic query failed, using lexical order", zap.Error(err))
		return false
	}
	if len(vecIDs) == 0 {
		return false
	}

	lexIDs := make([]string, len(scored))
	for i, s := range scored {
		lexIDs[i] = s.Chunk.ID
	}
	fused := FuseRRF(r.cfg.Scoring.RRFK, lexIDs, vecIDs)

	sort.SliceStable(scored, func(i, j int) bool {
		fi, fj := fused[scored[i].Chunk.ID], fused[scored[j].Chunk.ID]
		if fi != fj {
			return fi > fj
		}
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return lessChunk(scored[i].Chunk, scored[j].Chunk)
	})
	return true
}

// lessChunk is the deterministic tie-break shared by retrieval and the
// builder: higher importance, then more recent, then smaller token estimate,
// then smaller id.
func lessChunk(a, b *models.Chunk) bool {
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.TokenEst != b.TokenEst {
		return a.TokenEst < b.TokenEst
	}
	return a.ID < b.ID
}

func hasAnyTag(tags, want []string) bool {
	for _, t := range tags {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}
