package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/dotcommander/mnemo/internal/builder"
	"github.com/dotcommander/mnemo/internal/consolidator"
	"github.com/dotcommander/mnemo/internal/export"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/recorder"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/wal"
)

func (s *Server) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		"record_event":             s.recordEvent,
		"build_acb":                s.buildACB,
		"get_artifact":             s.getArtifact,
		"create_handoff":           s.createHandoff,
		"get_wake_up":              s.getWakeUp,
		"list_handoffs":            s.listHandoffs,
		"list_semantic_principles": s.listPrinciples,
		"create_knowledge_note":    s.createKnowledgeNote,
		"get_knowledge_notes":      s.getKnowledgeNotes,
		"create_capsule":           s.createCapsule,
		"get_available_capsules":   s.availableCapsules,
		"revoke_capsule":           s.revokeCapsule,
		"propose_memory_edit":      s.proposeMemoryEdit,
		"approve_memory_edit":      s.approveMemoryEdit,
		"reject_memory_edit":       s.rejectMemoryEdit,
		"list_memory_edits":        s.listMemoryEdits,
		"get_audit_log":            s.auditLog,
		"get_compression_stats":    s.compressionStats,
		"trigger_consolidation":    s.triggerConsolidation,
		"export_thread":            s.exportThread,
		"export_all":               s.exportAll,
	}
}

// tenantScoped upgrades a not_found to tenant_mismatch when id is a real
// record owned by another tenant.
func (s *Server) tenantScoped(tenantID, id string, err error) error {
	if !models.IsKind(err, models.ErrNotFound) {
		return err
	}
	owner, ownerErr := store.RecordTenant(s.db, id)
	if ownerErr == nil && owner != tenantID {
		return models.E(models.ErrTenantMismatch, "record %s belongs to another tenant", id).
			WithDetail("id", id)
	}
	return err
}

// requireScope checks the isolation envelope common to every method.
func requireScope(scope scopeParams, needSession bool) error {
	if scope.TenantID == "" || scope.AgentID == "" {
		return models.E(models.ErrValidation, "tenant_id and agent_id are required")
	}
	if needSession && scope.SessionID == "" {
		return models.E(models.ErrValidation, "session_id is required")
	}
	if !scope.Channel.Valid() {
		return models.E(models.ErrValidation, "invalid channel %q", scope.Channel)
	}
	return nil
}

func decodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return models.E(models.ErrValidation, "params are required")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return models.E(models.ErrValidation, "malformed params: %v", err)
	}
	return nil
}

// --- record_event ---

type recordEventParams struct {
	ActorType   models.ActorType   `json:"actor_type"`
	ActorID     string             `json:"actor_id"`
	Kind        models.EventKind   `json:"kind"`
	Sensitivity models.Sensitivity `json:"sensitivity"`
	Tags        []string           `json:"tags"`
	Refs        []string           `json:"refs"`
	Content     json.RawMessage    `json:"content"`
}

type recordEventResult struct {
	EventID    string   `json:"event_id,omitempty"`
	ChunkIDs   []string `json:"chunk_ids,omitempty"`
	DecisionID string   `json:"decision_id,omitempty"`
	TaskID     string   `json:"task_id,omitempty"`
	ArtifactID string   `json:"artifact_id,omitempty"`
	Redacted   bool     `json:"redacted,omitempty"`
	Restated   bool     `json:"restated,omitempty"`
	Replayed   bool     `json:"replayed,omitempty"`
	Deferred   bool     `json:"deferred,omitempty"`
}

func (s *Server) recordEvent(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, true); err != nil {
		return nil, err
	}
	var p recordEventParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	draft := recorder.Draft{
		Scope:       scope.scope(),
		ActorType:   p.ActorType,
		ActorID:     p.ActorID,
		Kind:        p.Kind,
		Sensitivity: p.Sensitivity,
		Tags:        p.Tags,
		Refs:        p.Refs,
		Content:     p.Content,
	}

	res, replayed, err := store.RunIdempotentReplayed(s.db, scope.TenantID, scope.RequestID, "record_event",
		func(tx *sql.Tx) (*recorder.Result, error) {
			return s.rec.AppendTx(tx, draft, time.Now().UTC())
		})
	if err != nil {
		if store.IsUnavailable(err) && s.wal != nil {
			if walErr := s.wal.Append(wal.Entry{RequestID: scope.RequestID, Draft: draft}); walErr != nil {
				return nil, models.E(models.ErrStoreUnavailable, "store unavailable and wal append failed: %v", walErr)
			}
			s.metrics.deferredWrites.Inc()
			if pending, pendErr := s.wal.Pending(); pendErr == nil {
				s.metrics.walPending.Set(float64(len(pending)))
			}
			return recordEventResult{Deferred: true}, nil
		}
		return nil, err
	}

	out := recordEventResult{
		EventID:    res.Event.ID,
		DecisionID: res.DecisionID,
		TaskID:     res.TaskID,
		ArtifactID: res.ArtifactID,
		Redacted:   res.Redacted,
		Restated:   res.Restated,
		Replayed:   replayed,
	}
	for _, c := range res.Chunks {
		out.ChunkIDs = append(out.ChunkIDs, c.ID)
	}
	return out, nil
}

// --- build_acb ---

type buildACBParams struct {
	QueryText string   `json:"query_text"`
	Intent    string   `json:"intent"`
	Tags      []string `json:"tags"`
	MaxTokens int      `json:"max_tokens"`
}

func (s *Server) buildACB(ctx context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, true); err != nil {
		return nil, err
	}
	var p buildACBParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	return s.bld.Build(ctx, builder.Request{
		Scope:     scope.scope(),
		QueryText: p.QueryText,
		Intent:    p.Intent,
		Tags:      p.Tags,
		MaxTokens: p.MaxTokens,
		Now:       time.Now().UTC(),
	})
}

// --- get_artifact ---

type getArtifactParams struct {
	ArtifactID string `json:"artifact_id"`
	Offset     int64  `json:"offset"`
	MaxBytes   int64  `json:"max_bytes"`
}

type getArtifactResult struct {
	Artifact   *models.Artifact `json:"artifact"`
	Content    []byte           `json:"content"`
	TotalBytes int64            `json:"total_bytes"`
}

func (s *Server) getArtifact(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p getArtifactParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ArtifactID == "" {
		return nil, models.E(models.ErrValidation, "artifact_id is required")
	}

	maxBytes := p.MaxBytes
	if maxBytes <= 0 || maxBytes > s.cfg.Limits.MaxBytesReadPerCall {
		maxBytes = s.cfg.Limits.MaxBytesReadPerCall
	}

	a, err := store.GetArtifact(s.db, scope.TenantID, p.ArtifactID)
	if err != nil {
		return nil, err
	}
	content, total, err := store.ReadArtifactContent(s.db, scope.TenantID, p.ArtifactID, p.Offset, maxBytes)
	if err != nil {
		return nil, err
	}
	return getArtifactResult{Artifact: a, Content: content, TotalBytes: total}, nil
}

// --- handoffs ---

type createHandoffParams struct {
	Experienced  string   `json:"experienced"`
	Noticed      string   `json:"noticed"`
	Learned      string   `json:"learned"`
	Story        string   `json:"story"`
	Becoming     string   `json:"becoming"`
	Remember     string   `json:"remember"`
	Significance float64  `json:"significance"`
	Tags         []string `json:"tags"`
	WithWhom     []string `json:"with_whom"`
	Refs         []string `json:"refs"`
}

type createHandoffResult struct {
	Handoff    *models.Handoff `json:"handoff"`
	EventID    string          `json:"event_id"`
	ChunkIDs   []string        `json:"chunk_ids"`
	DecisionID string          `json:"decision_id,omitempty"`
}

func (s *Server) createHandoff(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, true); err != nil {
		return nil, err
	}
	var p createHandoffParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Significance < 0 || p.Significance > 1 {
		return nil, models.E(models.ErrValidation, "significance must be in [0, 1]")
	}
	narrative := handoffNarrative(p)
	if narrative == "" {
		return nil, models.E(models.ErrValidation, "at least one narrative field is required")
	}

	out, err := store.RunIdempotent(s.db, scope.TenantID, scope.RequestID, "create_handoff",
		func(tx *sql.Tx) (createHandoffResult, error) {
			now := time.Now().UTC()
			h := &models.Handoff{
				ID:               models.NewID(models.PrefixHandoff),
				TenantID:         scope.TenantID,
				SessionID:        scope.SessionID,
				AgentID:          scope.AgentID,
				Channel:          scope.Channel,
				Experienced:      p.Experienced,
				Noticed:          p.Noticed,
				Learned:          p.Learned,
				Story:            p.Story,
				Becoming:         p.Becoming,
				Remember:         p.Remember,
				Significance:     p.Significance,
				Tags:             p.Tags,
				WithWhom:         p.WithWhom,
				CompressionLevel: models.CompressionFull,
				Refs:             p.Refs,
				CreatedAt:        now,
			}
			if err := store.InsertHandoffTx(tx, h); err != nil {
				return createHandoffResult{}, err
			}

			// Handoffs are retrievable like any other memory: the narrative
			// becomes an event with standard chunks.
			content, err := json.Marshal(models.MessageContent{Text: narrative})
			if err != nil {
				return createHandoffResult{}, err
			}
			res, err := s.rec.AppendTx(tx, recorder.Draft{
				Scope:     scope.scope(),
				ActorType: models.ActorAgent,
				ActorID:   scope.AgentID,
				Kind:      models.KindMessage,
				Tags:      append([]string{models.TagHandoff}, p.Tags...),
				Refs:      p.Refs,
				Content:   content,
			}, now)
			if err != nil {
				return createHandoffResult{}, err
			}

			result := createHandoffResult{Handoff: h, EventID: res.Event.ID}
			for _, c := range res.Chunks {
				result.ChunkIDs = append(result.ChunkIDs, c.ID)
			}

			// Significant handoffs leave a decision so the next session sees
			// them in relevant_decisions without polluting the thread.
			if p.Significance >= s.cfg.Consolidation.HandoffDecisionSignificance && p.Remember != "" {
				d := &models.Decision{
					ID:        models.NewID(models.PrefixDecision),
					TenantID:  scope.TenantID,
					SessionID: scope.SessionID,
					AgentID:   scope.AgentID,
					Channel:   scope.Channel,
					Status:    models.DecisionActive,
					Scope:     models.DecisionScopeProject,
					Decision:  p.Remember,
					Refs:      []string{h.ID, res.Event.ID},
					EventID:   res.Event.ID,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := store.InsertDecisionTx(tx, d); err != nil {
					return createHandoffResult{}, err
				}
				result.DecisionID = d.ID
			}
			return result, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func handoffNarrative(p createHandoffParams) string {
	parts := make([]string, 0, 6)
	for _, f := range []string{p.Remember, p.Learned, p.Becoming, p.Noticed, p.Experienced, p.Story} {
		if strings.TrimSpace(f) != "" {
			parts = append(parts, strings.TrimSpace(f))
		}
	}
	return strings.Join(parts, "\n")
}

type wakeUpResult struct {
	Latest         *models.Handoff             `json:"latest,omitempty"`
	IdentityThread []*models.Handoff           `json:"identity_thread,omitempty"`
	Decisions      []*models.Decision          `json:"decisions,omitempty"`
	Tasks          []*models.Task              `json:"tasks,omitempty"`
	Principles     []*models.SemanticPrinciple `json:"principles,omitempty"`
}

func (s *Server) getWakeUp(_ context.Context, scope scopeParams, _ json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}

	out := wakeUpResult{}
	latest, err := store.LatestHandoff(s.db, scope.TenantID, scope.AgentID)
	if err != nil && !models.IsKind(err, models.ErrNotFound) {
		return nil, err
	}
	out.Latest = latest

	thread, err := store.IdentityThread(s.db, scope.TenantID, 0, 100)
	if err != nil {
		return nil, err
	}
	// Newest first for wake-up reading order.
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].InIdentityThread() {
			out.IdentityThread = append(out.IdentityThread, thread[i])
		}
	}

	if out.Decisions, err = store.ListActiveDecisions(s.db, scope.TenantID, s.cfg.ACB.DecisionsMax); err != nil {
		return nil, err
	}
	if out.Tasks, err = store.ListOpenTasks(s.db, scope.TenantID, 50); err != nil {
		return nil, err
	}
	if out.Principles, err = store.ListPrinciples(s.db, scope.TenantID, 20); err != nil {
		return nil, err
	}
	return out, nil
}

type listParams struct {
	Limit int `json:"limit"`
}

func (s *Server) listHandoffs(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	handoffs, err := store.ListHandoffs(s.db, scope.TenantID, scope.AgentID, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"handoffs": handoffs}, nil
}

func (s *Server) listPrinciples(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	principles, err := store.ListPrinciples(s.db, scope.TenantID, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"principles": principles}, nil
}

// --- knowledge notes ---

type createNoteParams struct {
	Text     string   `json:"text"`
	Tags     []string `json:"tags"`
	WithWhom []string `json:"with_whom"`
}

func (s *Server) createKnowledgeNote(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, true); err != nil {
		return nil, err
	}
	var p createNoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, models.E(models.ErrValidation, "text is required")
	}

	note, err := store.RunIdempotent(s.db, scope.TenantID, scope.RequestID, "create_knowledge_note",
		func(tx *sql.Tx) (*models.KnowledgeNote, error) {
			now := time.Now().UTC()
			content, err := json.Marshal(models.MessageContent{Text: p.Text})
			if err != nil {
				return nil, err
			}
			res, err := s.rec.AppendTx(tx, recorder.Draft{
				Scope:     scope.scope(),
				ActorType: models.ActorAgent,
				ActorID:   scope.AgentID,
				Kind:      models.KindMessage,
				Tags:      append([]string{models.TagKnowledge}, p.Tags...),
				Content:   content,
			}, now)
			if err != nil {
				return nil, err
			}
			n := &models.KnowledgeNote{
				ID:        models.NewID(models.PrefixNote),
				TenantID:  scope.TenantID,
				SessionID: scope.SessionID,
				AgentID:   scope.AgentID,
				Channel:   scope.Channel,
				Text:      p.Text,
				Tags:      p.Tags,
				WithWhom:  p.WithWhom,
				EventID:   res.Event.ID,
				CreatedAt: now,
			}
			if err := store.InsertKnowledgeNoteTx(tx, n); err != nil {
				return nil, err
			}
			return n, nil
		})
	if err != nil {
		return nil, err
	}
	return map[string]any{"note": note}, nil
}

type getNotesParams struct {
	Tags  []string `json:"tags"`
	Limit int      `json:"limit"`
}

func (s *Server) getKnowledgeNotes(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p getNotesParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	notes, err := store.GetKnowledgeNotes(s.db, scope.TenantID, p.Tags, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"notes": notes}, nil
}

// --- capsules ---

type createCapsuleParams struct {
	SubjectType      string              `json:"subject_type"`
	SubjectID        string              `json:"subject_id"`
	AudienceAgentIDs []string            `json:"audience_agent_ids"`
	Items            models.CapsuleItems `json:"items"`
	Risks            []string            `json:"risks"`
	TTLDays          int                 `json:"ttl_days"`
}

func (s *Server) createCapsule(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p createCapsuleParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.AudienceAgentIDs) == 0 {
		return nil, models.E(models.ErrValidation, "audience_agent_ids must be non-empty")
	}
	if p.Items.Empty() {
		return nil, models.E(models.ErrValidation, "capsule items must be non-empty")
	}
	if p.TTLDays <= 0 {
		p.TTLDays = 7
	}

	// Every referenced record and audience agent must exist in this tenant.
	if err := s.validateCapsuleRefs(scope.TenantID, p); err != nil {
		return nil, err
	}

	capsule, err := store.RunIdempotent(s.db, scope.TenantID, scope.RequestID, "create_capsule",
		func(tx *sql.Tx) (*models.Capsule, error) {
			now := time.Now().UTC()
			c := &models.Capsule{
				ID:               models.NewID(models.PrefixCapsule),
				TenantID:         scope.TenantID,
				SubjectType:      p.SubjectType,
				SubjectID:        p.SubjectID,
				AuthorAgentID:    scope.AgentID,
				AudienceAgentIDs: p.AudienceAgentIDs,
				Items:            p.Items,
				Risks:            p.Risks,
				TTLDays:          p.TTLDays,
				Status:           models.CapsuleActive,
				ExpiresAt:        now.AddDate(0, 0, p.TTLDays),
				CreatedAt:        now,
			}
			if err := store.InsertCapsuleTx(tx, c); err != nil {
				return nil, err
			}
			for _, item := range c.Items.All() {
				err := store.InsertEdgeTx(tx, &models.GraphEdge{
					TenantID:  scope.TenantID,
					SrcID:     c.ID,
					DstID:     item,
					Kind:      "shares",
					CreatedAt: now,
				})
				if err != nil {
					return nil, err
				}
			}
			return c, nil
		})
	if err != nil {
		return nil, err
	}
	return map[string]any{"capsule": capsule}, nil
}

func (s *Server) validateCapsuleRefs(tenantID string, p createCapsuleParams) error {
	if len(p.Items.Chunks) > 0 {
		chunks, err := store.GetChunks(s.db, tenantID, p.Items.Chunks)
		if err != nil {
			return err
		}
		if len(chunks) != len(p.Items.Chunks) {
			found := make(map[string]bool, len(chunks))
			for _, c := range chunks {
				found[c.ID] = true
			}
			for _, id := range p.Items.Chunks {
				if !found[id] {
					return s.tenantScoped(tenantID, id,
						models.E(models.ErrNotFound, "capsule references unknown chunk %s", id))
				}
			}
		}
	}
	for _, id := range p.Items.Decisions {
		if _, err := store.GetDecision(s.db, tenantID, id); err != nil {
			return s.tenantScoped(tenantID, id, err)
		}
	}
	for _, id := range p.Items.Artifacts {
		if _, err := store.GetArtifact(s.db, tenantID, id); err != nil {
			return s.tenantScoped(tenantID, id, err)
		}
	}
	for _, agent := range p.AudienceAgentIDs {
		known, err := store.TenantHasAgent(s.db, tenantID, agent)
		if err != nil {
			return err
		}
		if !known {
			return models.E(models.ErrValidation, "audience agent %s is unknown in this tenant", agent).
				WithDetail("agent_id", agent)
		}
	}
	return nil
}

type availableCapsulesParams struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Limit       int    `json:"limit"`
}

func (s *Server) availableCapsules(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p availableCapsulesParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	capsules, err := store.AvailableCapsules(s.db, scope.TenantID, scope.AgentID,
		p.SubjectType, p.SubjectID, time.Now().UTC(), p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"capsules": capsules}, nil
}

type revokeCapsuleParams struct {
	CapsuleID string `json:"capsule_id"`
}

func (s *Server) revokeCapsule(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p revokeCapsuleParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	c, err := store.GetCapsule(s.db, scope.TenantID, p.CapsuleID)
	if err != nil {
		return nil, err
	}
	if c.AuthorAgentID != scope.AgentID {
		return nil, models.E(models.ErrForbidden, "only the author may revoke capsule %s", p.CapsuleID).
			WithDetail("capsule_id", p.CapsuleID)
	}
	if err := store.RevokeCapsule(s.db, scope.TenantID, p.CapsuleID); err != nil {
		return nil, err
	}
	return map[string]any{"capsule_id": p.CapsuleID, "status": models.CapsuleRevoked}, nil
}

// --- memory edits ---

type proposeEditParams struct {
	Op         models.EditOp    `json:"op"`
	TargetID   string           `json:"target_id"`
	TargetType string           `json:"target_type"`
	Reason     string           `json:"reason"`
	Patch      models.EditPatch `json:"patch"`
}

func (s *Server) proposeMemoryEdit(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p proposeEditParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !p.Op.Valid() {
		return nil, models.E(models.ErrValidation, "invalid edit op %q", p.Op)
	}
	if p.TargetID == "" || strings.TrimSpace(p.Reason) == "" {
		return nil, models.E(models.ErrValidation, "target_id and reason are required")
	}
	if err := p.Patch.ValidateFor(p.Op); err != nil {
		return nil, err
	}
	if models.HasPrefix(p.TargetID, models.PrefixChunk) {
		if _, err := store.GetChunk(s.db, scope.TenantID, p.TargetID); err != nil {
			return nil, s.tenantScoped(scope.TenantID, p.TargetID, err)
		}
	}

	e := &models.MemoryEdit{
		ID:         models.NewID(models.PrefixEdit),
		TenantID:   scope.TenantID,
		Op:         p.Op,
		TargetID:   p.TargetID,
		TargetType: p.TargetType,
		Reason:     p.Reason,
		ProposedBy: models.ActorAgent,
		ProposerID: scope.AgentID,
		Status:     models.EditPending,
		Patch:      p.Patch,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.InsertMemoryEdit(s.db, e); err != nil {
		return nil, err
	}
	return map[string]any{"edit": e}, nil
}

type decideEditParams struct {
	EditID string `json:"edit_id"`
}

func (s *Server) approveMemoryEdit(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	return s.decideMemoryEdit(scope, params, models.EditApproved)
}

func (s *Server) rejectMemoryEdit(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	return s.decideMemoryEdit(scope, params, models.EditRejected)
}

func (s *Server) decideMemoryEdit(scope scopeParams, params json.RawMessage, status models.EditStatus) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p decideEditParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.EditID == "" {
		return nil, models.E(models.ErrValidation, "edit_id is required")
	}

	var edit *models.MemoryEdit
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		var txErr error
		edit, txErr = store.DecideMemoryEditTx(tx, scope.TenantID, p.EditID, status, scope.AgentID, time.Now().UTC())
		if txErr != nil {
			return txErr
		}
		if status == models.EditApproved {
			return store.ApplyEditTx(tx, edit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"edit": edit}, nil
}

type listEditsParams struct {
	Status models.EditStatus `json:"status"`
	Limit  int               `json:"limit"`
}

func (s *Server) listMemoryEdits(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p listEditsParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	edits, err := store.ListMemoryEdits(s.db, scope.TenantID, p.Status, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"edits": edits}, nil
}

// --- audit ---

type auditLogParams struct {
	Since time.Time `json:"since"`
	Limit int       `json:"limit"`
}

func (s *Server) auditLog(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p auditLogParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	records, err := store.ListAudit(s.db, scope.TenantID, p.Since, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"records": records}, nil
}

// --- consolidation ---

func (s *Server) compressionStats(_ context.Context, scope scopeParams, _ json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	return s.cons.CollectStats(scope.TenantID)
}

type triggerConsolidationParams struct {
	Job string `json:"job"`
}

func (s *Server) triggerConsolidation(ctx context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p triggerConsolidationParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.Job == "" {
		p.Job = consolidator.JobAll
	}
	reports, err := s.cons.Run(ctx, scope.TenantID, p.Job, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return map[string]any{"reports": reports}, nil
}

// --- exports ---

type exportParams struct {
	Format string `json:"format"`
}

type exportResult struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

func (s *Server) exportThread(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, true); err != nil {
		return nil, err
	}
	var p exportParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	data, err := s.exp.Thread(scope.TenantID, scope.SessionID, p.Format)
	if err != nil {
		return nil, err
	}
	return exportResult{Format: exportFormat(p.Format), Data: string(data)}, nil
}

func (s *Server) exportAll(_ context.Context, scope scopeParams, params json.RawMessage) (any, error) {
	if err := requireScope(scope, false); err != nil {
		return nil, err
	}
	var p exportParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	data, err := s.exp.All(scope.TenantID, p.Format)
	if err != nil {
		return nil, err
	}
	return exportResult{Format: exportFormat(p.Format), Data: string(data)}, nil
}

func exportFormat(f string) string {
	if f == "" {
		return export.FormatJSON
	}
	return f
}
