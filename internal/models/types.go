package models

import (
	"encoding/json"
	"time"
)

// ID Strategy:
// - Domain records (events, chunks, decisions, ...) use prefixed ULID strings
//   (time-sorted, collision-free under concurrent writers).
// - Append-only bookkeeping (audit log, consolidation reports) uses int64
//   auto-increment (efficient indexing, no distribution requirement).

// Channel is the visibility lane a record was written on.
type Channel string

// Channel constants.
const (
	ChannelPrivate Channel = "private"
	ChannelPublic  Channel = "public"
	ChannelTeam    Channel = "team"
	ChannelAgent   Channel = "agent"
)

// Valid reports whether c is a recognised channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPrivate, ChannelPublic, ChannelTeam, ChannelAgent:
		return true
	}
	return false
}

// Sensitivity classifies how restricted a record's content is.
type Sensitivity string

// Sensitivity constants, ordered none < low < high < secret.
const (
	SensitivityNone   Sensitivity = "none"
	SensitivityLow    Sensitivity = "low"
	SensitivityHigh   Sensitivity = "high"
	SensitivitySecret Sensitivity = "secret"
)

// Rank returns the ordering position of s (none=0 ... secret=3, unknown=-1).
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityNone:
		return 0
	case SensitivityLow:
		return 1
	case SensitivityHigh:
		return 2
	case SensitivitySecret:
		return 3
	}
	return -1
}

// Valid reports whether s is a recognised sensitivity level.
func (s Sensitivity) Valid() bool { return s.Rank() >= 0 }

// MaxSensitivity returns the more restricted of a and b.
func MaxSensitivity(a, b Sensitivity) Sensitivity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ActorType identifies who emitted an event.
type ActorType string

// Actor type constants.
const (
	ActorHuman ActorType = "human"
	ActorAgent ActorType = "agent"
	ActorTool  ActorType = "tool"
)

// Valid reports whether a is a recognised actor type.
func (a ActorType) Valid() bool {
	return a == ActorHuman || a == ActorAgent || a == ActorTool
}

// Scope identifies the isolation keys every record and request carries.
// TenantID is the hard ownership boundary; every store query filters by it.
type Scope struct {
	TenantID  string  `json:"tenant_id"`
	SessionID string  `json:"session_id"`
	AgentID   string  `json:"agent_id"`
	Channel   Channel `json:"channel"`
}

// Event is one immutable step of ground truth. Created by the Recorder,
// never mutated, deleted only by retention operations.
type Event struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	SessionID   string          `json:"session_id"`
	AgentID     string          `json:"agent_id"`
	Channel     Channel         `json:"channel"`
	ActorType   ActorType       `json:"actor_type"`
	ActorID     string          `json:"actor_id"`
	Kind        EventKind       `json:"kind"`
	Sensitivity Sensitivity     `json:"sensitivity"`
	Tags        []string        `json:"tags,omitempty"`
	Content     json.RawMessage `json:"content"`
	Refs        []string        `json:"refs,omitempty"`
	ContentHash string          `json:"content_hash"`
	TokenEst    int             `json:"token_est"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Chunk is the retrieval unit derived from an event. One per event by
// default; long excerpts split into several. Embeddings are backfilled
// asynchronously, flagged by Embedded.
type Chunk struct {
	ID          string      `json:"id"`
	EventID     string      `json:"event_id"`
	TenantID    string      `json:"tenant_id"`
	SessionID   string      `json:"session_id"`
	AgentID     string      `json:"agent_id"`
	Channel     Channel     `json:"channel"`
	Kind        EventKind   `json:"kind"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Tags        []string    `json:"tags,omitempty"`
	Seq         int         `json:"seq"`
	Text        string      `json:"text"`
	TokenEst    int         `json:"token_est"`
	Importance  float64     `json:"importance"`
	ContentHash string      `json:"content_hash"`
	SimHash     uint64      `json:"simhash"`
	Active      bool        `json:"active"`
	Quarantined bool        `json:"quarantined"`
	Pinned      bool        `json:"pinned"`
	Embedded    bool        `json:"embedded"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Retrievable reports whether the chunk may appear in retrieval results.
func (c *Chunk) Retrievable() bool { return c.Active && !c.Quarantined }

// DecisionStatus is the lifecycle state of a decision.
type DecisionStatus string

// Decision status constants.
const (
	DecisionActive     DecisionStatus = "active"
	DecisionSuperseded DecisionStatus = "superseded"
)

// DecisionScope constrains where a decision applies.
type DecisionScope string

// Decision scope constants.
const (
	DecisionScopeProject DecisionScope = "project"
	DecisionScopeUser    DecisionScope = "user"
	DecisionScopeGlobal  DecisionScope = "global"
)

// Valid reports whether s is a recognised decision scope.
func (s DecisionScope) Valid() bool {
	return s == DecisionScopeProject || s == DecisionScopeUser || s == DecisionScopeGlobal
}

// Decision is a first-class traceable choice. Refs must be non-empty;
// superseding flips the predecessor atomically. Never hard-deleted.
type Decision struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	SessionID    string         `json:"session_id"`
	AgentID      string         `json:"agent_id"`
	Channel      Channel        `json:"channel"`
	Status       DecisionStatus `json:"status"`
	Scope        DecisionScope  `json:"scope"`
	Decision     string         `json:"decision"`
	Rationale    string         `json:"rationale,omitempty"`
	Constraints  []string       `json:"constraints,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Consequences []string       `json:"consequences,omitempty"`
	Refs         []string       `json:"refs"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	Pinned       bool           `json:"pinned"`
	EventID      string         `json:"event_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// IsActive reports whether the decision participates in default selection.
func (d *Decision) IsActive() bool { return d.Status == DecisionActive }

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskOpen  TaskStatus = "open"
	TaskDoing TaskStatus = "doing"
	TaskDone  TaskStatus = "done"
)

// Valid reports whether s is a recognised task status.
func (s TaskStatus) Valid() bool {
	return s == TaskOpen || s == TaskDoing || s == TaskDone
}

// IsTerminal returns true when the task is closed.
func (s TaskStatus) IsTerminal() bool { return s == TaskDone }

// Task continues across sessions and is closed explicitly.
type Task struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	SessionID    string     `json:"session_id"`
	AgentID      string     `json:"agent_id"`
	Channel      Channel    `json:"channel"`
	Status       TaskStatus `json:"status"`
	Title        string     `json:"title"`
	Details      string     `json:"details,omitempty"`
	OwnerAgentID string     `json:"owner_agent_id,omitempty"`
	Refs         []string   `json:"refs,omitempty"`
	EventID      string     `json:"event_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Artifact holds oversized tool output or blobs out of band. The
// originating event keeps only a pointer and an excerpt.
type Artifact struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	SessionID   string          `json:"session_id"`
	AgentID     string          `json:"agent_id"`
	Channel     Channel         `json:"channel"`
	Kind        string          `json:"kind"`
	SizeBytes   int64           `json:"size_bytes"`
	SHA256      string          `json:"sha256"`
	ExternalURI string          `json:"external_uri,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	Refs        []string        `json:"refs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CompressionLevel is the consolidation tier of a handoff.
type CompressionLevel string

// Compression tiers, oldest-first progression.
const (
	CompressionFull       CompressionLevel = "full"
	CompressionSummary    CompressionLevel = "summary"
	CompressionQuickRef   CompressionLevel = "quick_ref"
	CompressionIntegrated CompressionLevel = "integrated"
)

// Handoff is a structured post-session continuity record. Handoffs whose
// Becoming field is non-empty form the identity thread.
type Handoff struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	SessionID        string           `json:"session_id"`
	AgentID          string           `json:"agent_id"`
	Channel          Channel          `json:"channel"`
	Experienced      string           `json:"experienced,omitempty"`
	Noticed          string           `json:"noticed,omitempty"`
	Learned          string           `json:"learned,omitempty"`
	Story            string           `json:"story,omitempty"`
	Becoming         string           `json:"becoming,omitempty"`
	Remember         string           `json:"remember,omitempty"`
	Significance     float64          `json:"significance"`
	Tags             []string         `json:"tags,omitempty"`
	WithWhom         []string         `json:"with_whom,omitempty"`
	CompressionLevel CompressionLevel `json:"compression_level"`
	Summary          string           `json:"summary,omitempty"`
	QuickRef         string           `json:"quick_ref,omitempty"`
	Refs             []string         `json:"refs,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ConsolidatedAt   *time.Time       `json:"consolidated_at,omitempty"`
}

// InIdentityThread reports whether the handoff contributes to the identity thread.
func (h *Handoff) InIdentityThread() bool { return h.Becoming != "" }

// SemanticPrinciple is timeless extracted knowledge. Confidence grows with
// reinforcement (capped at 1.0) and decays over idle periods (floored at 0.1).
type SemanticPrinciple struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Principle        string    `json:"principle"`
	Context          string    `json:"context,omitempty"`
	Category         string    `json:"category,omitempty"`
	Confidence       float64   `json:"confidence"`
	SourceHandoffIDs []string  `json:"source_handoff_ids"`
	SourceCount      int       `json:"source_count"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// KnowledgeNote is a curated note sharing the retrieval pool with chunks.
type KnowledgeNote struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Channel   Channel   `json:"channel"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	WithWhom  []string  `json:"with_whom,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CapsuleStatus is the lifecycle state of a capsule.
type CapsuleStatus string

// Capsule status constants.
const (
	CapsuleActive  CapsuleStatus = "active"
	CapsuleRevoked CapsuleStatus = "revoked"
)

// CapsuleItems lists the records a capsule shares.
type CapsuleItems struct {
	Chunks    []string `json:"chunks,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Empty reports whether the capsule shares nothing.
func (ci CapsuleItems) Empty() bool {
	return len(ci.Chunks) == 0 && len(ci.Decisions) == 0 && len(ci.Artifacts) == 0
}

// All returns every referenced id in a stable order.
func (ci CapsuleItems) All() []string {
	out := make([]string, 0, len(ci.Chunks)+len(ci.Decisions)+len(ci.Artifacts))
	out = append(out, ci.Chunks...)
	out = append(out, ci.Decisions...)
	out = append(out, ci.Artifacts...)
	return out
}

// Capsule is a curated cross-agent share packet, readable only by its
// audience until expiry or revocation.
type Capsule struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	Scope            string        `json:"scope,omitempty"`
	SubjectType      string        `json:"subject_type"`
	SubjectID        string        `json:"subject_id"`
	AuthorAgentID    string        `json:"author_agent_id"`
	AudienceAgentIDs []string      `json:"audience_agent_ids"`
	Items            CapsuleItems  `json:"items"`
	Risks            []string      `json:"risks,omitempty"`
	TTLDays          int           `json:"ttl_days"`
	Status           CapsuleStatus `json:"status"`
	ExpiresAt        time.Time     `json:"expires_at"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Readable reports whether agentID may read the capsule at time now.
func (c *Capsule) Readable(agentID string, now time.Time) bool {
	if c.Status != CapsuleActive || now.After(c.ExpiresAt) {
		return false
	}
	for _, a := range c.AudienceAgentIDs {
		if a == agentID {
			return true
		}
	}
	return false
}

// EditOp is the kind of surgical change a memory edit applies.
type EditOp string

// Memory edit operations.
const (
	EditRetract    EditOp = "retract"
	EditAmend      EditOp = "amend"
	EditQuarantine EditOp = "quarantine"
	EditAttenuate  EditOp = "attenuate"
	EditBlock      EditOp = "block"
)

// Valid reports whether op is a recognised edit operation.
func (op EditOp) Valid() bool {
	switch op {
	case EditRetract, EditAmend, EditQuarantine, EditAttenuate, EditBlock:
		return true
	}
	return false
}

// EditStatus is the review state of a memory edit.
type EditStatus string

// Memory edit statuses.
const (
	EditPending  EditStatus = "pending"
	EditApproved EditStatus = "approved"
	EditRejected EditStatus = "rejected"
)

// EditPatch carries the payload an approved edit applies. Amend requires
// Text or Importance; attenuate requires ImportanceDelta; block requires
// Channel.
type EditPatch struct {
	Text            string   `json:"text,omitempty"`
	Importance      *float64 `json:"importance,omitempty"`
	ImportanceDelta *float64 `json:"importance_delta,omitempty"`
	Channel         Channel  `json:"channel,omitempty"`
}

// ValidateFor checks that the patch carries the payload op needs.
func (p EditPatch) ValidateFor(op EditOp) error {
	switch op {
	case EditAmend:
		if p.Text == "" && p.Importance == nil {
			return E(ErrValidation, "amend edit requires patch.text or patch.importance")
		}
	case EditAttenuate:
		if p.ImportanceDelta == nil {
			return E(ErrValidation, "attenuate edit requires patch.importance_delta")
		}
	case EditBlock:
		if !p.Channel.Valid() {
			return E(ErrValidation, "block edit requires a valid patch.channel")
		}
	}
	return nil
}

// MemoryEdit is an explicit, reason-stamped operation on existing memory.
// Retract marks the target inactive; nothing is physically deleted.
type MemoryEdit struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Op         EditOp     `json:"op"`
	TargetID   string     `json:"target_id"`
	TargetType string     `json:"target_type"`
	Reason     string     `json:"reason"`
	ProposedBy ActorType  `json:"proposed_by"`
	ProposerID string     `json:"proposer_id,omitempty"`
	Status     EditStatus `json:"status"`
	Patch      EditPatch  `json:"patch"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditRecord is one append-only security-relevant entry.
type AuditRecord struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	AgentID      string          `json:"agent_id"`
	EventType    string          `json:"event_type"`
	Action       string          `json:"action"`
	Outcome      string          `json:"outcome"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ConsolidationReport records one consolidation job run.
type ConsolidationReport struct {
	ID             int64     `json:"id"`
	TenantID       string    `json:"tenant_id"`
	JobType        string    `json:"job_type"`
	ItemsProcessed int       `json:"items_processed"`
	ItemsAffected  int       `json:"items_affected"`
	TokensSaved    int       `json:"tokens_saved"`
	Details        string    `json:"details,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PinnedView is a small named text block (identity, rules, preferences)
// loaded with one indexed read at ACB build time.
type PinnedView struct {
	TenantID    string      `json:"tenant_id"`
	Name        string      `json:"name"`
	Text        string      `json:"text"`
	TokenEst    int         `json:"token_est"`
	Sensitivity Sensitivity `json:"sensitivity"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// GraphEdge is one adjacency-list entry of the reference overlay. Edges
// always point backward in time; inserts rejecting cycles keep it a DAG.
type GraphEdge struct {
	TenantID  string    `json:"tenant_id"`
	SrcID     string    `json:"src_id"`
	DstID     string    `json:"dst_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}
