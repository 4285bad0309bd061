package builder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/retrieval"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
	"github.com/dotcommander/mnemo/pkg/hotset"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type seed struct {
	text      string
	tags      []string
	refs      []string
	kind      models.EventKind
	createdAt time.Time
	sessionID string
}

func seedChunk(t *testing.T, db *sql.DB, tenantID string, s seed) *models.Chunk {
	t.Helper()
	if s.createdAt.IsZero() {
		s.createdAt = time.Now().UTC()
	}
	if s.sessionID == "" {
		s.sessionID = "sess-1"
	}
	if s.kind == "" {
		s.kind = models.KindMessage
	}

	eventID := models.NewID(models.PrefixEvent)
	est := tokens.Approx{}
	chunk := &models.Chunk{
		ID:          models.DeriveChunkID(eventID, 0),
		EventID:     eventID,
		TenantID:    tenantID,
		SessionID:   s.sessionID,
		AgentID:     "agent-1",
		Channel:     models.ChannelPrivate,
		Kind:        s.kind,
		Sensitivity: models.SensitivityNone,
		Tags:        s.tags,
		Text:        s.text,
		TokenEst:    tokens.EstimateMinOne(est, s.text),
		Importance:  0.3,
		ContentHash: models.ContentHash(s.text),
		SimHash:     store.SimHash64(s.text),
		Active:      true,
		CreatedAt:   s.createdAt,
	}
	event := &models.Event{
		ID:          eventID,
		TenantID:    tenantID,
		SessionID:   s.sessionID,
		AgentID:     "agent-1",
		Channel:     models.ChannelPrivate,
		ActorType:   models.ActorHuman,
		ActorID:     "seeder",
		Kind:        s.kind,
		Sensitivity: models.SensitivityNone,
		Tags:        s.tags,
		Refs:        s.refs,
		Content:     []byte(`{"text":"seed"}`),
		ContentHash: chunk.ContentHash,
		TokenEst:    chunk.TokenEst,
		CreatedAt:   s.createdAt,
	}
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		if err := store.InsertEventTx(tx, event); err != nil {
			return err
		}
		return store.InsertChunkTx(tx, chunk)
	}))
	return chunk
}

func seedView(t *testing.T, db *sql.DB, tenantID, name, text string) {
	t.Helper()
	require.NoError(t, store.PutView(db, &models.PinnedView{
		TenantID:    tenantID,
		Name:        name,
		Text:        text,
		TokenEst:    tokens.EstimateMinOne(tokens.Approx{}, text),
		Sensitivity: models.SensitivityNone,
		UpdatedAt:   time.Now().UTC(),
	}))
}

func newTestBuilder(db *sql.DB, mutate func(*app.Config)) *Builder {
	cfg := app.DefaultConfig()
	cfg.DBPath = "unused"
	if mutate != nil {
		mutate(&cfg)
	}
	ret := retrieval.New(db, cfg, nil, nil)
	return New(db, cfg, ret, hotset.New(cfg.Retrieval.HotsetRecentMax), tokens.Approx{}, nil)
}

func buildRequest(query string) Request {
	return Request{
		Scope: models.Scope{
			TenantID:  "tenant-a",
			SessionID: "sess-1",
			AgentID:   "agent-1",
			Channel:   models.ChannelPrivate,
		},
		QueryText: query,
	}
}

func sectionByName(b *Bundle, name string) *Section {
	for i := range b.Sections {
		if b.Sections[i].Name == name {
			return &b.Sections[i]
		}
	}
	return nil
}

func TestBuildAssemblesSections(t *testing.T) {
	db := openTestDB(t)
	seedView(t, db, "tenant-a", "identity", "a careful memory daemon for a small engineering team")
	seedView(t, db, "tenant-a", "rules", "never expose secrets; prefer summaries over raw logs")

	now := time.Now().UTC()
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &models.Task{
			ID: models.NewID(models.PrefixTask), TenantID: "tenant-a", SessionID: "sess-1",
			AgentID: "agent-1", Channel: models.ChannelPrivate, Status: models.TaskDoing,
			Title: "migrate retrieval to the new scorer", CreatedAt: now, UpdatedAt: now,
		})
	}))
	evidence := seedChunk(t, db, "tenant-a", seed{text: "scorer migration needs the recency constant tuned"})

	b := newTestBuilder(db, nil)
	bundle, err := b.Build(context.Background(), buildRequest("scorer migration recency"))
	require.NoError(t, err)

	assert.True(t, len(bundle.ID) > 4 && bundle.ID[:4] == "acb_")
	assert.Equal(t, "none", bundle.Provenance.DeterministicSeed)
	assert.Equal(t, "approx-v1", bundle.Provenance.TokenizerVersion)
	assert.False(t, bundle.Partial)

	require.NotNil(t, sectionByName(bundle, SectionIdentity))
	require.NotNil(t, sectionByName(bundle, SectionRules))
	require.NotNil(t, sectionByName(bundle, SectionTaskState))

	ev := sectionByName(bundle, SectionEvidence)
	require.NotNil(t, ev)
	found := false
	for _, it := range ev.Items {
		if it.ChunkID == evidence.ID {
			found = true
		}
	}
	assert.True(t, found)

	// Sections arrive in descending priority order.
	prev := 11
	for _, s := range bundle.Sections {
		p := b.cfg.ACB.Sections[s.Name].Priority
		assert.LessOrEqual(t, p, prev)
		prev = p
	}
}

func TestBuildTokenInvariant(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 40; i++ {
		seedChunk(t, db, "tenant-a", seed{
			text: fmt.Sprintf("observation %d about the packing invariant with plenty of additional words to spend tokens on", i),
		})
	}

	b := newTestBuilder(db, func(cfg *app.Config) {
		cfg.ACB.TotalMaxTokens = 800
		cfg.ACB.ReserveTokens = 100
	})
	bundle, err := b.Build(context.Background(), buildRequest("packing invariant observation"))
	require.NoError(t, err)

	assert.Equal(t, 700, bundle.BudgetTokens)
	total := 0
	for _, s := range bundle.Sections {
		itemSum := 0
		for _, it := range s.Items {
			itemSum += it.TokenEst
		}
		assert.Equal(t, itemSum, s.TokenEst)
		assert.LessOrEqual(t, s.TokenEst, b.cfg.ACB.Sections[s.Name].MaxTokens)
		total += s.TokenEst
	}
	assert.Equal(t, total, bundle.TokenUsedEst)
	assert.LessOrEqual(t, total, bundle.BudgetTokens)
	assert.NotEmpty(t, bundle.Omissions, "overflow candidates must be recorded")
}

func TestBuildBudgetImpossible(t *testing.T) {
	db := openTestDB(t)
	seedView(t, db, "tenant-a", "identity", "identity text that repeats itself enough to cost a fair number of tokens when estimated")
	seedView(t, db, "tenant-a", "rules", "rules text that also repeats itself enough to cost a fair number of tokens when estimated")

	b := newTestBuilder(db, func(cfg *app.Config) {
		cfg.ACB.ReserveTokens = 0
	})

	req := buildRequest("")
	req.MaxTokens = 10
	_, err := b.Build(context.Background(), req)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrBudgetImpossible))
}

func TestBuildBudgetSmallerThanReserve(t *testing.T) {
	b := newTestBuilder(openTestDB(t), nil)
	req := buildRequest("")
	req.MaxTokens = 100 // default reserve is 5000
	_, err := b.Build(context.Background(), req)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrBudgetImpossible))
}

func TestFastPathSkipsRetrieval(t *testing.T) {
	db := openTestDB(t)
	seedChunk(t, db, "tenant-a", seed{text: "highly relevant evidence about the query topic"})

	b := newTestBuilder(db, nil)
	req := buildRequest("query topic evidence")
	req.Intent = models.IntentContinue

	bundle, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, bundle.Provenance.FastPath)
	assert.Nil(t, sectionByName(bundle, SectionEvidence))
	// The chunk still arrives through the recent window.
	require.NotNil(t, sectionByName(bundle, SectionRecent))
}

func TestFastPathUsesWarmHotset(t *testing.T) {
	db := openTestDB(t)
	seedChunk(t, db, "tenant-a", seed{text: "first message in the running session"})

	b := newTestBuilder(db, nil)

	// A normal build warms the hot set.
	_, err := b.Build(context.Background(), buildRequest("running session"))
	require.NoError(t, err)
	assert.Positive(t, b.hot.Len())

	req := buildRequest("")
	req.Intent = models.IntentAck
	bundle, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	recent := sectionByName(bundle, SectionRecent)
	require.NotNil(t, recent)
	assert.NotEmpty(t, recent.Items)
}

func TestDedupeAcrossSections(t *testing.T) {
	db := openTestDB(t)
	shared := "the deploy window moved to thursday afternoon"
	first := seedChunk(t, db, "tenant-a", seed{text: shared})
	second := seedChunk(t, db, "tenant-a", seed{text: shared})

	b := newTestBuilder(db, nil)
	bundle, err := b.Build(context.Background(), buildRequest("deploy window thursday"))
	require.NoError(t, err)

	packed := 0
	for _, s := range bundle.Sections {
		for _, it := range s.Items {
			if it.ChunkID == first.ID || it.ChunkID == second.ID {
				packed++
			}
		}
	}
	assert.Equal(t, 1, packed, "identical content packs exactly once")

	dupOmitted := false
	for _, o := range bundle.Omissions {
		if (o.ID == first.ID || o.ID == second.ID) && o.Reason == ReasonDuplicate {
			dupOmitted = true
		}
	}
	assert.True(t, dupOmitted)
}

func TestSummaryDriftGuard(t *testing.T) {
	db := openTestDB(t)

	grounded := seedChunk(t, db, "tenant-a", seed{
		text: "handoff summary of the incident review with citations",
		tags: []string{models.TagHandoffSummary},
		refs: []string{"evt_source_1"},
	})
	drifting := seedChunk(t, db, "tenant-a", seed{
		text: "handoff summary of the incident review without citations",
		tags: []string{models.TagHandoffSummary},
	})

	b := newTestBuilder(db, nil)
	bundle, err := b.Build(context.Background(), buildRequest("incident review summary citations"))
	require.NoError(t, err)

	ev := sectionByName(bundle, SectionEvidence)
	require.NotNil(t, ev)
	ids := make(map[string]bool)
	for _, it := range ev.Items {
		ids[it.ChunkID] = true
	}
	assert.True(t, ids[grounded.ID])
	assert.False(t, ids[drifting.ID])

	omitted := false
	for _, o := range bundle.Omissions {
		if o.ID == drifting.ID && o.Reason == ReasonMissingRefs {
			omitted = true
		}
	}
	assert.True(t, omitted)
}

func TestPreferencesSuppressedOnPublicChannel(t *testing.T) {
	db := openTestDB(t)
	seedView(t, db, "tenant-a", "rules", "team rules text")
	seedView(t, db, "tenant-a", "preferences", "user prefers terse answers")

	b := newTestBuilder(db, nil)

	req := buildRequest("")
	bundle, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	rules := sectionByName(bundle, SectionRules)
	require.NotNil(t, rules)
	assert.Len(t, rules.Items, 2)

	req.Scope.Channel = models.ChannelPublic
	bundle, err = b.Build(context.Background(), req)
	require.NoError(t, err)
	rules = sectionByName(bundle, SectionRules)
	require.NotNil(t, rules)
	require.Len(t, rules.Items, 1)
	assert.Equal(t, "view:rules", rules.Items[0].Ref)
}

func TestPartialOnExpiredDeadline(t *testing.T) {
	db := openTestDB(t)
	seedChunk(t, db, "tenant-a", seed{text: "anything recorded before the deadline"})

	b := newTestBuilder(db, nil)
	req := buildRequest("anything recorded")
	req.Deadline = time.Now().Add(-time.Second)

	bundle, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, bundle.Partial)
	assert.Empty(t, bundle.Sections)

	reasons := make(map[string]bool)
	for _, o := range bundle.Omissions {
		reasons[o.Reason] = true
	}
	assert.True(t, reasons[ReasonDeadline])
}

func TestBuildValidatesScope(t *testing.T) {
	b := newTestBuilder(openTestDB(t), nil)

	req := buildRequest("")
	req.Scope.SessionID = ""
	_, err := b.Build(context.Background(), req)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrValidation))
}

func TestBuildIsByteIdenticalForIdenticalInputs(t *testing.T) {
	db := openTestDB(t)
	seedView(t, db, "tenant-a", "identity", "memory daemon for the platform team")
	seedView(t, db, "tenant-a", "rules", "cite refs for every claim")
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		seedChunk(t, db, "tenant-a", seed{
			text:      fmt.Sprintf("budget review item %d covers the quarterly spend", i),
			createdAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	b := newTestBuilder(db, nil)
	req := buildRequest("quarterly budget spend")
	req.Now = time.Now().UTC()

	first, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), req)
	require.NoError(t, err)

	// Same store, same request: the packed content is byte-identical.
	firstSections, err := json.Marshal(first.Sections)
	require.NoError(t, err)
	secondSections, err := json.Marshal(second.Sections)
	require.NoError(t, err)
	assert.Equal(t, string(firstSections), string(secondSections))

	firstOmissions, err := json.Marshal(first.Omissions)
	require.NoError(t, err)
	secondOmissions, err := json.Marshal(second.Omissions)
	require.NoError(t, err)
	assert.Equal(t, string(firstOmissions), string(secondOmissions))

	assert.Equal(t, first.TokenUsedEst, second.TokenUsedEst)
	assert.Equal(t, first.Provenance.Candidates, second.Provenance.Candidates)
	assert.Equal(t, "none", second.Provenance.DeterministicSeed)
}

func TestDecisionsRankedByQueryMatch(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	mk := func(text string, pinned bool) *models.Decision {
		d := &models.Decision{
			ID: models.NewID(models.PrefixDecision), TenantID: "tenant-a", SessionID: "sess-1",
			AgentID: "agent-1", Channel: models.ChannelPrivate, Status: models.DecisionActive,
			Scope: models.DecisionScopeProject, Decision: text, Refs: []string{"evt_ref"},
			Pinned: pinned, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
			return store.InsertDecisionTx(tx, d)
		}))
		return d
	}
	// Inserted first, so recency alone would rank it last.
	match := mk("retry failed webhook deliveries with backoff", false)
	mk("rotate the staging credentials weekly", false)

	b := newTestBuilder(db, nil)
	bundle, err := b.Build(context.Background(), buildRequest("webhook retry backoff"))
	require.NoError(t, err)

	sec := sectionByName(bundle, SectionDecisions)
	require.NotNil(t, sec)
	require.NotEmpty(t, sec.Items)
	assert.Equal(t, match.ID, sec.Items[0].Ref)
	assert.Positive(t, sec.Items[0].Score)

	// A pinned decision outranks a better lexical match.
	pinned := mk("never deploy to production on fridays", true)
	bundle, err = b.Build(context.Background(), buildRequest("webhook retry backoff"))
	require.NoError(t, err)
	sec = sectionByName(bundle, SectionDecisions)
	require.NotNil(t, sec)
	assert.Equal(t, pinned.ID, sec.Items[0].Ref)
}
