package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/recorder"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/wal"
)

const testToken = "test-token"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type testDaemon struct {
	srv *Server
	ts  *httptest.Server
}

func newTestDaemon(t *testing.T, mutate func(*app.Config)) *testDaemon {
	t.Helper()
	dir := t.TempDir()

	cfg := app.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "mnemo.db")
	cfg.WALPath = filepath.Join(dir, "pending.wal")
	cfg.AuthTokens = []string{testToken}
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv, err := New(cfg, db, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Client().CloseIdleConnections()
		ts.Close()
	})
	return &testDaemon{srv: srv, ts: ts}
}

type testResponse struct {
	JSONRPC   string          `json:"jsonrpc"`
	ID        any             `json:"id"`
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
	Error     *rpcError       `json:"error"`
}

func (d *testDaemon) rpc(t *testing.T, token, method string, params map[string]any) *testResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, d.ts.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := d.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func scopedParams(extra map[string]any) map[string]any {
	params := map[string]any{
		"tenant_id":  "tenant-a",
		"session_id": "sess-1",
		"agent_id":   "agent-1",
		"channel":    "private",
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

func recordMessage(t *testing.T, d *testDaemon, text string, extra map[string]any) recordEventResult {
	t.Helper()
	params := scopedParams(map[string]any{
		"actor_type": "agent",
		"actor_id":   "agent-1",
		"kind":       "message",
		"content":    map[string]string{"text": text},
	})
	for k, v := range extra {
		params[k] = v
	}
	resp := d.rpc(t, testToken, "record_event", params)
	require.Nil(t, resp.Error, "record_event failed: %+v", resp.Error)

	var res recordEventResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	return res
}

func TestAuthRequired(t *testing.T) {
	d := newTestDaemon(t, nil)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"get_wake_up","params":{}}`)
	resp, err := d.ts.Client().Post(d.ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, d.ts.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = d.ts.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	d := newTestDaemon(t, nil)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := d.ts.Client().Get(d.ts.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestEnvelopeErrors(t *testing.T) {
	d := newTestDaemon(t, nil)

	req, err := http.NewRequest(http.MethodPost, d.ts.URL+"/rpc", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := d.ts.Client().Do(req)
	require.NoError(t, err)
	var out testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	require.NotNil(t, out.Error)
	assert.Equal(t, codeParseError, out.Error.Code)

	r := d.rpc(t, testToken, "no_such_method", scopedParams(nil))
	require.NotNil(t, r.Error)
	assert.Equal(t, codeMethodNotFound, r.Error.Code)

	r = d.rpc(t, testToken, "record_event", map[string]any{"tenant_id": "tenant-a"})
	require.NotNil(t, r.Error)
	assert.Equal(t, codeInvalidParams, r.Error.Code)
}

func TestRecordEventAndBuildACB(t *testing.T) {
	d := newTestDaemon(t, nil)

	res := recordMessage(t, d, "the deployment budget is 65K tokens for this quarter", nil)
	assert.NotEmpty(t, res.EventID)
	assert.NotEmpty(t, res.ChunkIDs)
	assert.False(t, res.Deferred)

	resp := d.rpc(t, testToken, "build_acb", scopedParams(map[string]any{
		"query_text": "what is the deployment budget?",
		"intent":     "question",
	}))
	require.Nil(t, resp.Error, "build_acb failed: %+v", resp.Error)
	assert.NotEmpty(t, resp.RequestID)

	var bundle struct {
		ID           string `json:"acb_id"`
		BudgetTokens int    `json:"budget_tokens"`
		TokenUsedEst int    `json:"token_used_est"`
		Sections     []struct {
			Name  string `json:"name"`
			Items []struct {
				Text string `json:"text"`
			} `json:"items"`
		} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &bundle))
	assert.NotEmpty(t, bundle.ID)
	assert.LessOrEqual(t, bundle.TokenUsedEst, bundle.BudgetTokens)

	found := false
	for _, sec := range bundle.Sections {
		for _, item := range sec.Items {
			if item.Text == "the deployment budget is 65K tokens for this quarter" {
				found = true
			}
		}
	}
	assert.True(t, found, "recorded message should appear in the bundle")
}

func TestIdempotentReplay(t *testing.T) {
	d := newTestDaemon(t, nil)

	first := recordMessage(t, d, "only once", map[string]any{"request_id": "req-fixed"})
	second := recordMessage(t, d, "only once", map[string]any{"request_id": "req-fixed"})

	assert.Equal(t, first.EventID, second.EventID)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
}

func TestRateLimitExceeded(t *testing.T) {
	d := newTestDaemon(t, func(cfg *app.Config) {
		cfg.Limits.RequestsPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		resp := d.rpc(t, testToken, "get_wake_up", scopedParams(nil))
		require.Nil(t, resp.Error)
	}
	resp := d.rpc(t, testToken, "get_wake_up", scopedParams(nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codePolicyRejected, resp.Error.Code)
	assert.Equal(t, "60s", resp.Error.Details["retry_after"])
}

func TestOversizeBodyRejected(t *testing.T) {
	d := newTestDaemon(t, func(cfg *app.Config) {
		cfg.Limits.MaxBytesReadPerCall = 128
	})

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	resp := d.rpc(t, testToken, "record_event", scopedParams(map[string]any{
		"actor_type": "agent",
		"actor_id":   "agent-1",
		"kind":       "message",
		"content":    map[string]string{"text": string(big)},
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeOversizePayload, resp.Error.Code)
}

func TestWALFallbackDefersWrites(t *testing.T) {
	d := newTestDaemon(t, nil)

	// Simulate store outage.
	require.NoError(t, d.srv.db.Close())

	res := recordMessage(t, d, "written during outage", map[string]any{"request_id": "req-outage"})
	assert.True(t, res.Deferred)
	assert.Empty(t, res.EventID)

	pending, err := d.srv.wal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-outage", pending[0].RequestID)
}

func TestWALReplayAppliesDeferredWrites(t *testing.T) {
	d := newTestDaemon(t, nil)

	content, err := json.Marshal(models.MessageContent{Text: "deferred but durable"})
	require.NoError(t, err)
	require.NoError(t, d.srv.wal.Append(wal.Entry{
		RequestID: "req-replay",
		Draft: recorder.Draft{
			Scope: models.Scope{
				TenantID:  "tenant-a",
				SessionID: "sess-1",
				AgentID:   "agent-1",
				Channel:   models.ChannelPrivate,
			},
			ActorType: models.ActorAgent,
			ActorID:   "agent-1",
			Kind:      models.KindMessage,
			Content:   content,
		},
	}))

	d.srv.replayWAL()

	pending, err := d.srv.wal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	resp := d.rpc(t, testToken, "build_acb", scopedParams(map[string]any{
		"query_text": "deferred durable",
	}))
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "deferred but durable")
}

func TestCreateHandoffAndWakeUp(t *testing.T) {
	d := newTestDaemon(t, nil)

	resp := d.rpc(t, testToken, "create_handoff", scopedParams(map[string]any{
		"learned":      "migrations need a dry run first",
		"becoming":     "becoming more careful with schema changes",
		"remember":     "always dry-run migrations in staging",
		"significance": 0.9,
	}))
	require.Nil(t, resp.Error, "create_handoff failed: %+v", resp.Error)

	var created createHandoffResult
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.NotNil(t, created.Handoff)
	assert.NotEmpty(t, created.EventID)
	assert.NotEmpty(t, created.ChunkIDs)
	assert.NotEmpty(t, created.DecisionID, "significance 0.9 should derive a decision")

	resp = d.rpc(t, testToken, "get_wake_up", scopedParams(nil))
	require.Nil(t, resp.Error)

	var wake wakeUpResult
	require.NoError(t, json.Unmarshal(resp.Result, &wake))
	require.NotNil(t, wake.Latest)
	assert.Equal(t, created.Handoff.ID, wake.Latest.ID)
	require.Len(t, wake.IdentityThread, 1)
	require.Len(t, wake.Decisions, 1)
	assert.Equal(t, created.DecisionID, wake.Decisions[0].ID)
}

func TestLowSignificanceHandoffSkipsDecision(t *testing.T) {
	d := newTestDaemon(t, nil)

	resp := d.rpc(t, testToken, "create_handoff", scopedParams(map[string]any{
		"learned":      "nothing much today",
		"remember":     "routine session",
		"significance": 0.2,
	}))
	require.Nil(t, resp.Error)

	var created createHandoffResult
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	assert.Empty(t, created.DecisionID)
}

func TestCapsuleLifecycle(t *testing.T) {
	d := newTestDaemon(t, nil)

	// agent-2 must exist in the tenant to be a valid audience member.
	params := scopedParams(map[string]any{
		"agent_id":   "agent-2",
		"actor_type": "agent",
		"actor_id":   "agent-2",
		"kind":       "message",
		"content":    map[string]string{"text": "hello from agent two"},
	})
	resp := d.rpc(t, testToken, "record_event", params)
	require.Nil(t, resp.Error)

	shared := recordMessage(t, d, "the staging credentials rotate on fridays", nil)

	resp = d.rpc(t, testToken, "create_capsule", scopedParams(map[string]any{
		"subject_type":       "task",
		"subject_id":         "tsk_rotate",
		"audience_agent_ids": []string{"agent-2"},
		"items":              map[string]any{"chunks": shared.ChunkIDs},
		"ttl_days":           3,
	}))
	require.Nil(t, resp.Error, "create_capsule failed: %+v", resp.Error)

	var created struct {
		Capsule *models.Capsule `json:"capsule"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	capsuleID := created.Capsule.ID

	// Visible to the audience agent.
	resp = d.rpc(t, testToken, "get_available_capsules", scopedParams(map[string]any{"agent_id": "agent-2"}))
	require.Nil(t, resp.Error)
	var avail struct {
		Capsules []*models.Capsule `json:"capsules"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &avail))
	require.Len(t, avail.Capsules, 1)

	// Not visible outside the audience.
	resp = d.rpc(t, testToken, "get_available_capsules", scopedParams(map[string]any{"agent_id": "agent-3"}))
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &avail))
	assert.Empty(t, avail.Capsules)

	// Only the author may revoke.
	resp = d.rpc(t, testToken, "revoke_capsule", scopedParams(map[string]any{
		"agent_id":   "agent-2",
		"capsule_id": capsuleID,
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeForbidden, resp.Error.Code)

	resp = d.rpc(t, testToken, "revoke_capsule", scopedParams(map[string]any{"capsule_id": capsuleID}))
	require.Nil(t, resp.Error)

	resp = d.rpc(t, testToken, "get_available_capsules", scopedParams(map[string]any{"agent_id": "agent-2"}))
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &avail))
	assert.Empty(t, avail.Capsules)
}

func TestCapsuleRejectsUnknownAudience(t *testing.T) {
	d := newTestDaemon(t, nil)
	shared := recordMessage(t, d, "something worth sharing", nil)

	resp := d.rpc(t, testToken, "create_capsule", scopedParams(map[string]any{
		"subject_type":       "task",
		"subject_id":         "tsk_x",
		"audience_agent_ids": []string{"agent-ghost"},
		"items":              map[string]any{"chunks": shared.ChunkIDs},
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestMemoryEditRetractFlow(t *testing.T) {
	d := newTestDaemon(t, nil)
	res := recordMessage(t, d, "this turned out to be wrong", nil)
	require.NotEmpty(t, res.ChunkIDs)
	chunkID := res.ChunkIDs[0]

	resp := d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "retract",
		"target_id":   chunkID,
		"target_type": "chunk",
		"reason":      "superseded by corrected figures",
	}))
	require.Nil(t, resp.Error)
	var proposed struct {
		Edit *models.MemoryEdit `json:"edit"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &proposed))
	assert.Equal(t, models.EditPending, proposed.Edit.Status)

	resp = d.rpc(t, testToken, "approve_memory_edit", scopedParams(map[string]any{
		"edit_id": proposed.Edit.ID,
	}))
	require.Nil(t, resp.Error)
	var decided struct {
		Edit *models.MemoryEdit `json:"edit"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &decided))
	assert.Equal(t, models.EditApproved, decided.Edit.Status)

	chunk, err := store.GetChunk(d.srv.db, "tenant-a", chunkID)
	require.NoError(t, err)
	assert.False(t, chunk.Active)
}

func TestMemoryEditReject(t *testing.T) {
	d := newTestDaemon(t, nil)
	res := recordMessage(t, d, "keep this one", nil)

	resp := d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "retract",
		"target_id":   res.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "mistaken proposal",
	}))
	require.Nil(t, resp.Error)
	var proposed struct {
		Edit *models.MemoryEdit `json:"edit"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &proposed))

	resp = d.rpc(t, testToken, "reject_memory_edit", scopedParams(map[string]any{
		"edit_id": proposed.Edit.ID,
	}))
	require.Nil(t, resp.Error)

	chunk, err := store.GetChunk(d.srv.db, "tenant-a", res.ChunkIDs[0])
	require.NoError(t, err)
	assert.True(t, chunk.Active)
}

func TestListMemoryEditsByStatus(t *testing.T) {
	d := newTestDaemon(t, nil)
	res := recordMessage(t, d, "something to edit", nil)

	resp := d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "retract",
		"target_id":   res.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "test reason",
	}))
	require.Nil(t, resp.Error)

	resp = d.rpc(t, testToken, "list_memory_edits", scopedParams(map[string]any{"status": "pending"}))
	require.Nil(t, resp.Error)
	var got struct {
		Edits []*models.MemoryEdit `json:"edits"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Len(t, got.Edits, 1)
	assert.Equal(t, models.EditPending, got.Edits[0].Status)

	resp = d.rpc(t, testToken, "list_memory_edits", scopedParams(map[string]any{"status": "approved"}))
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Empty(t, got.Edits)
}

func TestAuditLogRecordsRequests(t *testing.T) {
	d := newTestDaemon(t, nil)
	recordMessage(t, d, "audited write", nil)

	resp := d.rpc(t, testToken, "get_audit_log", scopedParams(nil))
	require.Nil(t, resp.Error)
	var got struct {
		Records []*models.AuditRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.NotEmpty(t, got.Records)

	found := false
	for _, rec := range got.Records {
		if rec.Action == "record_event" && rec.Outcome == "ok" {
			found = true
		}
	}
	assert.True(t, found, "record_event should have an audit row")
}

func TestConsolidationMethods(t *testing.T) {
	d := newTestDaemon(t, nil)
	recordMessage(t, d, "seed some memory", nil)

	resp := d.rpc(t, testToken, "trigger_consolidation", scopedParams(map[string]any{"job": "all"}))
	require.Nil(t, resp.Error)
	var run struct {
		Reports []*models.ConsolidationReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &run))
	assert.Len(t, run.Reports, 3)

	resp = d.rpc(t, testToken, "get_compression_stats", scopedParams(nil))
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "handoffs_by_level")
}

func TestKnowledgeNotes(t *testing.T) {
	d := newTestDaemon(t, nil)

	resp := d.rpc(t, testToken, "create_knowledge_note", scopedParams(map[string]any{
		"text": "the CI cache key includes the go version",
		"tags": []string{"ci"},
	}))
	require.Nil(t, resp.Error)

	resp = d.rpc(t, testToken, "get_knowledge_notes", scopedParams(map[string]any{"tags": []string{"ci"}}))
	require.Nil(t, resp.Error)
	var got struct {
		Notes []*models.KnowledgeNote `json:"notes"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "the CI cache key includes the go version", got.Notes[0].Text)
	assert.NotEmpty(t, got.Notes[0].EventID)
}

func TestExportMethods(t *testing.T) {
	d := newTestDaemon(t, nil)
	recordMessage(t, d, "exportable history", nil)

	resp := d.rpc(t, testToken, "export_thread", scopedParams(map[string]any{"format": "markdown"}))
	require.Nil(t, resp.Error)
	var out exportResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "markdown", out.Format)
	assert.Contains(t, out.Data, "exportable history")

	resp = d.rpc(t, testToken, "export_all", scopedParams(nil))
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "json", out.Format)
	assert.Contains(t, out.Data, "exportable history")
}

func TestTenantIsolationAcrossMethods(t *testing.T) {
	d := newTestDaemon(t, nil)
	res := recordMessage(t, d, "tenant a private memory", nil)

	params := scopedParams(map[string]any{"artifact_id": res.EventID})
	params["tenant_id"] = "tenant-b"
	resp := d.rpc(t, testToken, "get_knowledge_notes", params)
	require.Nil(t, resp.Error)
	assert.NotContains(t, string(resp.Result), "tenant a private memory")

	resp = d.rpc(t, testToken, "export_all", map[string]any{
		"tenant_id": "tenant-b",
		"agent_id":  "agent-9",
		"channel":   "private",
	})
	require.Nil(t, resp.Error)
	assert.NotContains(t, string(resp.Result), "tenant a private memory")
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := newRateLimiter(2)
	base := time.Now()
	assert.True(t, rl.allow("t", base))
	assert.True(t, rl.allow("t", base.Add(time.Second)))
	assert.False(t, rl.allow("t", base.Add(2*time.Second)))
	// Requests fall out of the window after a minute.
	assert.True(t, rl.allow("t", base.Add(61*time.Second)))
	// Other tenants have their own window.
	assert.True(t, rl.allow("u", base))
}

func TestBlockEditRequiresChannel(t *testing.T) {
	d := newTestDaemon(t, nil)
	res := recordMessage(t, d, "only the team should see this", nil)

	// No patch channel: rejected at propose time.
	resp := d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "block",
		"target_id":   res.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "restrict to team channel",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	// With a channel the approved edit rewrites the chunk's channel.
	resp = d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "block",
		"target_id":   res.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "restrict to team channel",
		"patch":       map[string]any{"channel": "team"},
	}))
	require.Nil(t, resp.Error, "propose failed: %+v", resp.Error)
	var proposed struct {
		Edit *models.MemoryEdit `json:"edit"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &proposed))

	resp = d.rpc(t, testToken, "approve_memory_edit", scopedParams(map[string]any{
		"edit_id": proposed.Edit.ID,
	}))
	require.Nil(t, resp.Error, "approve failed: %+v", resp.Error)

	chunk, err := store.GetChunk(d.srv.db, "tenant-a", res.ChunkIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTeam, chunk.Channel)
}

func TestAmendEditRequiresPatch(t *testing.T) {
	d := newTestDaemon(t, nil)
	res := recordMessage(t, d, "figure needs correcting", nil)

	resp := d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "amend",
		"target_id":   res.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "numbers were wrong",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "attenuate",
		"target_id":   res.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "stale fact",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestCrossTenantReferenceIsTenantMismatch(t *testing.T) {
	d := newTestDaemon(t, nil)
	recordMessage(t, d, "tenant a baseline", nil)

	foreign := recordMessage(t, d, "tenant b secret", map[string]any{
		"tenant_id": "tenant-b",
		"agent_id":  "agent-9",
		"actor_id":  "agent-9",
	})

	// Sharing another tenant's chunk is a mismatch, not a plain not_found.
	resp := d.rpc(t, testToken, "create_capsule", scopedParams(map[string]any{
		"subject_type":       "task",
		"subject_id":         "tsk_leak",
		"audience_agent_ids": []string{"agent-1"},
		"items":              map[string]any{"chunks": foreign.ChunkIDs},
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeTenantMismatch, resp.Error.Code)

	// Same for edit targets.
	resp = d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "retract",
		"target_id":   foreign.ChunkIDs[0],
		"target_type": "chunk",
		"reason":      "should not be reachable",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeTenantMismatch, resp.Error.Code)

	// A chunk that exists nowhere stays not_found.
	resp = d.rpc(t, testToken, "propose_memory_edit", scopedParams(map[string]any{
		"op":          "retract",
		"target_id":   "chk_01JF8Z4M0RW0000000000000",
		"target_type": "chunk",
		"reason":      "no such chunk",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeNotFound, resp.Error.Code)
}

func TestVectorBackfillIndexesRecordedChunks(t *testing.T) {
	d := newTestDaemon(t, func(cfg *app.Config) {
		cfg.Retrieval.SemanticEnabled = true
	})
	recordMessage(t, d, "the deploy pipeline uses blue green rollout", nil)

	pending, err := store.ChunksNeedingEmbedding(d.srv.db, "tenant-a", 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	d.srv.backfillVectors(context.Background())

	pending, err = store.ChunksNeedingEmbedding(d.srv.db, "tenant-a", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
