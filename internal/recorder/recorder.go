// Package recorder is the single write path of the memory daemon. Every
// stored event flows through Append: validation, sensitivity classification,
// kind-specific normalisation, chunk derivation, and the derived decision or
// task row all happen in one transaction, so readers never observe a
// half-recorded event.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
)

// Recorder validates and persists events. Safe for concurrent use; the
// store's single writer connection serialises the transactions.
type Recorder struct {
	db  *sql.DB
	cfg app.Config
	est tokens.Estimator
	cls *Classifier
	log *zap.Logger
}

// New builds a Recorder, compiling the configured redact patterns.
func New(db *sql.DB, cfg app.Config, est tokens.Estimator, log *zap.Logger) (*Recorder, error) {
	cls, err := NewClassifier(cfg.Privacy.RedactPatterns)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, cfg: cfg, est: est, cls: cls, log: log}, nil
}

// Draft is an event as submitted by a caller, before normalisation.
type Draft struct {
	Scope       models.Scope
	ActorType   models.ActorType
	ActorID     string
	Kind        models.EventKind
	Sensitivity models.Sensitivity
	Tags        []string
	Refs        []string
	Content     json.RawMessage
}

// Result reports what one Append produced.
type Result struct {
	Event      *models.Event   `json:"event"`
	Chunks     []*models.Chunk `json:"chunks"`
	DecisionID string          `json:"decision_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	ArtifactID string          `json:"artifact_id,omitempty"`
	Redacted   bool            `json:"redacted"`
	Restated   bool            `json:"restated"`
}

// Append records one event in its own transaction.
func (r *Recorder) Append(ctx context.Context, d Draft) (*Result, error) {
	var res *Result
	err := store.TransactContext(ctx, r.db, func(tx *sql.Tx) error {
		var txErr error
		res, txErr = r.AppendTx(tx, d, time.Now().UTC())
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AppendTx runs the full write pipeline inside a caller-owned transaction.
// The daemon uses this form so idempotency replay wraps the whole operation.
func (r *Recorder) AppendTx(tx *sql.Tx, d Draft, now time.Time) (*Result, error) {
	if err := r.validate(&d); err != nil {
		return nil, err
	}

	norm, err := r.normalise(&d)
	if err != nil {
		return nil, err
	}

	redacted, err := r.applyPolicy(&d, norm)
	if err != nil {
		return nil, err
	}

	eventID := models.NewID(models.PrefixEvent)
	res := &Result{Redacted: redacted}

	// Oversized tool output spills into a content-addressed artifact; the
	// event keeps only the excerpt and a pointer.
	if len(norm.blob) > 0 {
		art, err := store.PutArtifactTx(tx, d.Scope, "tool_output", norm.blob, "", nil, []string{eventID}, now)
		if err != nil {
			return nil, err
		}
		norm.toolResult.ArtifactID = art.ID
		norm.toolResult.Truncated = true
		res.ArtifactID = art.ID
	}

	content, err := norm.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalised content: %w", err)
	}

	hash := models.ContentHash(norm.excerpt)
	if n, err := store.CountEventsByHash(tx, d.Scope.TenantID, hash); err != nil {
		return nil, err
	} else if n > 0 {
		res.Restated = true
	}

	event := &models.Event{
		ID:          eventID,
		TenantID:    d.Scope.TenantID,
		SessionID:   d.Scope.SessionID,
		AgentID:     d.Scope.AgentID,
		Channel:     d.Scope.Channel,
		ActorType:   d.ActorType,
		ActorID:     d.ActorID,
		Kind:        d.Kind,
		Sensitivity: d.Sensitivity,
		Tags:        d.Tags,
		Content:     content,
		Refs:        d.Refs,
		ContentHash: hash,
		TokenEst:    tokens.EstimateMinOne(r.est, norm.excerpt),
		CreatedAt:   now,
	}
	if err := store.InsertEventTx(tx, event); err != nil {
		return nil, err
	}
	res.Event = event

	pinned := norm.pinned || hasTag(d.Tags, models.TagPinned)
	importance := importanceFor(d.Kind, d.Tags, pinned)

	for i, piece := range SplitText(norm.excerpt, r.est, r.cfg.Ingest.ChunkMinTokens, r.cfg.Ingest.ChunkMaxTokens) {
		chunk := &models.Chunk{
			ID:          models.DeriveChunkID(eventID, i),
			EventID:     eventID,
			TenantID:    d.Scope.TenantID,
			SessionID:   d.Scope.SessionID,
			AgentID:     d.Scope.AgentID,
			Channel:     d.Scope.Channel,
			Kind:        d.Kind,
			Sensitivity: d.Sensitivity,
			Tags:        d.Tags,
			Seq:         i,
			Text:        piece,
			TokenEst:    tokens.EstimateMinOne(r.est, piece),
			Importance:  importance,
			ContentHash: models.ContentHash(piece),
			SimHash:     store.SimHash64(piece),
			Active:      true,
			Pinned:      pinned,
			CreatedAt:   now,
		}
		if err := store.InsertChunkTx(tx, chunk); err != nil {
			return nil, err
		}
		res.Chunks = append(res.Chunks, chunk)
	}

	// An event tagged pinned:<view> replaces that view's text, so identity
	// and rules stay maintainable through the ordinary write path.
	if name := pinnedViewName(d.Tags); name != "" {
		view := &models.PinnedView{
			TenantID:    d.Scope.TenantID,
			Name:        name,
			Text:        norm.excerpt,
			TokenEst:    event.TokenEst,
			Sensitivity: d.Sensitivity,
			UpdatedAt:   now,
		}
		if err := store.PutViewTx(tx, view); err != nil {
			return nil, err
		}
	}

	if err := r.derive(tx, d, norm, event, res, now); err != nil {
		return nil, err
	}

	r.log.Debug("event recorded",
		zap.String("event_id", eventID),
		zap.String("tenant_id", d.Scope.TenantID),
		zap.String("kind", string(d.Kind)),
		zap.Int("chunks", len(res.Chunks)),
		zap.Bool("redacted", res.Redacted))
	return res, nil
}

// derive creates the first-class rows some kinds imply: a decision row for
// kind=decision (flipping a superseded predecessor atomically), a task row or
// patch for kind=task_update.
func (r *Recorder) derive(tx *sql.Tx, d Draft, norm *normalised, event *models.Event, res *Result, now time.Time) error {
	switch d.Kind {
	case models.KindDecision:
		dc := norm.decision
		scope := dc.Scope
		if scope == "" {
			scope = models.DecisionScopeProject
		}
		refs := append(append([]string{}, d.Refs...), event.ID)
		// A superseding decision must carry the predecessor in its refs.
		if dc.Supersedes != "" && !slices.Contains(refs, dc.Supersedes) {
			refs = append(refs, dc.Supersedes)
		}
		dec := &models.Decision{
			ID:           models.NewID(models.PrefixDecision),
			TenantID:     d.Scope.TenantID,
			SessionID:    d.Scope.SessionID,
			AgentID:      d.Scope.AgentID,
			Channel:      d.Scope.Channel,
			Status:       models.DecisionActive,
			Scope:        scope,
			Decision:     dc.Decision,
			Rationale:    dc.Rationale,
			Constraints:  dc.Constraints,
			Alternatives: dc.Alternatives,
			Consequences: dc.Consequences,
			Refs:         refs,
			Pinned:       dc.Pinned,
			EventID:      event.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.InsertDecisionTx(tx, dec); err != nil {
			return err
		}
		if dc.Supersedes != "" {
			if err := store.SupersedeDecisionTx(tx, d.Scope.TenantID, dc.Supersedes, dec.ID, now); err != nil {
				return err
			}
			edge := &models.GraphEdge{
				TenantID:  d.Scope.TenantID,
				SrcID:     dec.ID,
				DstID:     dc.Supersedes,
				Kind:      "supersedes",
				CreatedAt: now,
			}
			if err := store.InsertEdgeTx(tx, edge); err != nil {
				return err
			}
		}
		res.DecisionID = dec.ID

	case models.KindTaskUpdate:
		tu := norm.taskUpdate
		if tu.TaskID == "" {
			task := &models.Task{
				ID:           models.NewID(models.PrefixTask),
				TenantID:     d.Scope.TenantID,
				SessionID:    d.Scope.SessionID,
				AgentID:      d.Scope.AgentID,
				Channel:      d.Scope.Channel,
				Status:       tu.Status,
				Title:        tu.Title,
				Details:      tu.Details,
				OwnerAgentID: tu.OwnerAgentID,
				Refs:         []string{event.ID},
				EventID:      event.ID,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if task.Status == "" {
				task.Status = models.TaskOpen
			}
			if err := store.InsertTaskTx(tx, task); err != nil {
				return err
			}
			res.TaskID = task.ID
		} else {
			task, err := store.PatchTaskTx(tx, d.Scope.TenantID, tu.TaskID, *tu, event.ID, now)
			if err != nil {
				return err
			}
			res.TaskID = task.ID
		}
	}
	return nil
}

// applyPolicy classifies the normalised text and enforces the secret policy:
// reject refuses the event, redact strips matches and stores the residue at
// high sensitivity. Declared sensitivity only ever rises.
func (r *Recorder) applyPolicy(d *Draft, norm *normalised) (bool, error) {
	if d.Sensitivity == "" {
		d.Sensitivity = models.SensitivityNone
	}

	classified := r.cls.Classify(norm.excerpt)
	if len(norm.blob) > 0 {
		classified = models.MaxSensitivity(classified, r.cls.Classify(string(norm.blob)))
	}

	if classified != models.SensitivitySecret {
		d.Sensitivity = models.MaxSensitivity(d.Sensitivity, classified)
		return false, nil
	}

	if r.cfg.Privacy.SecretPolicy == "reject" {
		return false, models.E(models.ErrPolicyRejected, "content matches a secret pattern and secret_policy is reject")
	}

	norm.excerpt, _ = r.cls.Redact(norm.excerpt)
	if len(norm.blob) > 0 {
		redactedBlob, _ := r.cls.Redact(string(norm.blob))
		norm.blob = []byte(redactedBlob)
	}
	norm.rewriteExcerpt()
	// The secret is gone; what remains is still credential-adjacent.
	d.Sensitivity = models.MaxSensitivity(d.Sensitivity, models.SensitivityHigh)
	return true, nil
}

func (r *Recorder) validate(d *Draft) error {
	s := d.Scope
	switch {
	case s.TenantID == "" || len(s.TenantID) > models.MaxTenantIDLength:
		return models.E(models.ErrValidation, "tenant_id is required and at most %d bytes", models.MaxTenantIDLength)
	case s.SessionID == "" || len(s.SessionID) > models.MaxSessionIDLength:
		return models.E(models.ErrValidation, "session_id is required and at most %d bytes", models.MaxSessionIDLength)
	case s.AgentID == "" || len(s.AgentID) > models.MaxAgentIDLength:
		return models.E(models.ErrValidation, "agent_id is required and at most %d bytes", models.MaxAgentIDLength)
	}
	if !s.Channel.Valid() {
		return models.E(models.ErrValidation, "unknown channel %q", s.Channel)
	}
	if !d.ActorType.Valid() {
		return models.E(models.ErrValidation, "unknown actor_type %q", d.ActorType)
	}
	if !d.Kind.Valid() {
		return models.E(models.ErrValidation, "unknown event kind %q", d.Kind)
	}
	if d.Sensitivity != "" && !d.Sensitivity.Valid() {
		return models.E(models.ErrValidation, "unknown sensitivity %q", d.Sensitivity)
	}
	if len(d.Tags) > models.MaxTagsPerEvent {
		return models.E(models.ErrValidation, "at most %d tags per event", models.MaxTagsPerEvent)
	}
	for _, tag := range d.Tags {
		if tag == "" || len(tag) > models.MaxTagLength {
			return models.E(models.ErrValidation, "tags must be non-empty and at most %d bytes", models.MaxTagLength)
		}
	}
	if len(d.Refs) > models.MaxRefsPerEvent {
		return models.E(models.ErrValidation, "at most %d refs per event", models.MaxRefsPerEvent)
	}
	if len(d.Content) == 0 {
		return models.E(models.ErrValidation, "content is required")
	}
	// Tool results carry their own byte bound via the artifact spill.
	if d.Kind != models.KindToolResult && len(d.Content) > models.MaxContentBytes {
		return models.E(models.ErrOversizePayload, "content exceeds %d bytes", models.MaxContentBytes).
			WithDetail("size_bytes", fmt.Sprintf("%d", len(d.Content)))
	}
	return nil
}

// normalised is the kind-dispatched interpretation of a draft's content.
type normalised struct {
	kind       models.EventKind
	excerpt    string
	pinned     bool
	blob       []byte
	message    *models.MessageContent
	toolCall   *models.ToolCallContent
	toolResult *models.ToolResultContent
	decision   *models.DecisionContent
	taskUpdate *models.TaskUpdateContent
	artifact   *models.ArtifactRefContent
}

func (r *Recorder) normalise(d *Draft) (*normalised, error) {
	n := &normalised{kind: d.Kind}
	switch d.Kind {
	case models.KindMessage:
		var c models.MessageContent
		if err := unmarshalContent(d.Content, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Text) == "" {
			return nil, models.E(models.ErrValidation, "message text is required")
		}
		n.message = &c
		n.excerpt = c.Text

	case models.KindToolCall:
		var c models.ToolCallContent
		if err := unmarshalContent(d.Content, &c); err != nil {
			return nil, err
		}
		if c.Tool == "" {
			return nil, models.E(models.ErrValidation, "tool_call requires a tool name")
		}
		n.toolCall = &c
		n.excerpt = c.Tool
		if len(c.Args) > 0 {
			n.excerpt += " " + string(c.Args)
		}

	case models.KindToolResult:
		var c models.ToolResultContent
		if err := unmarshalContent(d.Content, &c); err != nil {
			return nil, err
		}
		if c.ExcerptText == "" {
			return nil, models.E(models.ErrValidation, "tool_result requires excerpt_text")
		}
		maxBytes := r.cfg.Ingest.MaxBytesPerToolResultEvent
		if len(c.ExcerptText) > maxBytes {
			n.blob = []byte(c.ExcerptText)
			c.ExcerptText = truncateUTF8(c.ExcerptText, maxBytes)
		}
		n.toolResult = &c
		n.excerpt = c.ExcerptText

	case models.KindDecision:
		var c models.DecisionContent
		if err := unmarshalContent(d.Content, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Decision) == "" {
			return nil, models.E(models.ErrValidation, "decision text is required")
		}
		if c.Scope != "" && !c.Scope.Valid() {
			return nil, models.E(models.ErrValidation, "unknown decision scope %q", c.Scope)
		}
		n.decision = &c
		n.pinned = c.Pinned
		n.excerpt = c.Decision
		if c.Rationale != "" {
			n.excerpt += "\n" + c.Rationale
		}

	case models.KindTaskUpdate:
		var c models.TaskUpdateContent
		if err := unmarshalContent(d.Content, &c); err != nil {
			return nil, err
		}
		if c.TaskID == "" && strings.TrimSpace(c.Title) == "" {
			return nil, models.E(models.ErrValidation, "task_update requires task_id or title")
		}
		if c.Status != "" && !c.Status.Valid() {
			return nil, models.E(models.ErrValidation, "unknown task status %q", c.Status)
		}
		n.taskUpdate = &c
		n.excerpt = taskExcerpt(&c)

	case models.KindArtifactRef:
		var c models.ArtifactRefContent
		if err := unmarshalContent(d.Content, &c); err != nil {
			return nil, err
		}
		if c.ArtifactID == "" {
			return nil, models.E(models.ErrValidation, "artifact_ref requires artifact_id")
		}
		n.artifact = &c
		n.excerpt = c.Description
		if n.excerpt == "" {
			n.excerpt = "artifact " + c.ArtifactID
		}
	}
	return n, nil
}

// rewriteExcerpt pushes a redacted excerpt back into the kind payload so the
// stored content matches the stored chunks.
func (n *normalised) rewriteExcerpt() {
	switch n.kind {
	case models.KindMessage:
		n.message.Text = n.excerpt
	case models.KindToolResult:
		n.toolResult.ExcerptText = n.excerpt
	case models.KindDecision:
		parts := strings.SplitN(n.excerpt, "\n", 2)
		n.decision.Decision = parts[0]
		if len(parts) == 2 {
			n.decision.Rationale = parts[1]
		}
	}
}

func (n *normalised) marshal() (json.RawMessage, error) {
	switch n.kind {
	case models.KindMessage:
		return json.Marshal(n.message)
	case models.KindToolCall:
		return json.Marshal(n.toolCall)
	case models.KindToolResult:
		return json.Marshal(n.toolResult)
	case models.KindDecision:
		return json.Marshal(n.decision)
	case models.KindTaskUpdate:
		return json.Marshal(n.taskUpdate)
	case models.KindArtifactRef:
		return json.Marshal(n.artifact)
	}
	return nil, fmt.Errorf("unreachable kind %q", n.kind)
}

func unmarshalContent(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return models.E(models.ErrValidation, "malformed content: %v", err)
	}
	return nil
}

func taskExcerpt(c *models.TaskUpdateContent) string {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString(c.Title)
	}
	if c.Status != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("[" + string(c.Status) + "]")
	}
	if c.Details != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.Details)
	}
	if b.Len() == 0 {
		return "task " + c.TaskID
	}
	return b.String()
}

// Base importance by kind. Decisions and task state matter more than chat;
// tags and pinning push individual events up from there.
var kindImportance = map[models.EventKind]float64{
	models.KindDecision:    0.9,
	models.KindTaskUpdate:  0.7,
	models.KindToolResult:  0.5,
	models.KindArtifactRef: 0.4,
	models.KindToolCall:    0.35,
	models.KindMessage:     0.3,
}

func importanceFor(kind models.EventKind, tags []string, pinned bool) float64 {
	imp := kindImportance[kind]
	if hasTag(tags, models.TagImportant) {
		imp += 0.2
	}
	if hasTag(tags, models.TagKnowledge) || hasTag(tags, models.TagPreferences) {
		imp += 0.1
	}
	if pinned && imp < 0.9 {
		imp = 0.9
	}
	return clamp01(imp)
}

// View names the builder loads by one indexed read. Other pinned:* tags are
// left as plain labels.
var knownViews = map[string]bool{
	"identity":    true,
	"rules":       true,
	"preferences": true,
}

func pinnedViewName(tags []string) string {
	const prefix = "pinned:"
	for _, t := range tags {
		if strings.HasPrefix(t, prefix) && knownViews[t[len(prefix):]] {
			return t[len(prefix):]
		}
	}
	return ""
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
