package models

import "encoding/json"

// EventKind is the tagged-variant discriminator for event content. The
// Recorder dispatches kind-specific normalisation by this field.
type EventKind string

// Event kinds accepted on the write path. The set is closed: unknown kinds
// fail validation rather than degrading into untyped blobs.
const (
	KindMessage     EventKind = "message"
	KindToolCall    EventKind = "tool_call"
	KindToolResult  EventKind = "tool_result"
	KindDecision    EventKind = "decision"
	KindTaskUpdate  EventKind = "task_update"
	KindArtifactRef EventKind = "artifact_ref"
)

// Valid reports whether k is a recognised event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindMessage, KindToolCall, KindToolResult, KindDecision, KindTaskUpdate, KindArtifactRef:
		return true
	}
	return false
}

// Content payloads, one per kind. Event.Content holds the marshalled form;
// the Recorder validates and normalises before insert.

// MessageContent is the payload for kind=message.
type MessageContent struct {
	Text string `json:"text"`
}

// ToolCallContent is the payload for kind=tool_call.
type ToolCallContent struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResultContent is the normalised payload for kind=tool_result.
// Oversized outputs live in an Artifact; the event keeps the excerpt.
type ToolResultContent struct {
	Tool        string `json:"tool,omitempty"`
	Path        string `json:"path,omitempty"`
	ExcerptText string `json:"excerpt_text"`
	ByteRange   []int  `json:"byte_range,omitempty"`
	LineRange   []int  `json:"line_range,omitempty"`
	Truncated   bool   `json:"truncated"`
	ArtifactID  string `json:"artifact_id,omitempty"`
}

// DecisionContent is the payload for kind=decision. Refs on the enclosing
// event must include the superseded decision id when one exists.
type DecisionContent struct {
	Decision     string        `json:"decision"`
	Rationale    string        `json:"rationale,omitempty"`
	Scope        DecisionScope `json:"scope,omitempty"`
	Constraints  []string      `json:"constraints,omitempty"`
	Alternatives []string      `json:"alternatives,omitempty"`
	Consequences []string      `json:"consequences,omitempty"`
	Supersedes   string        `json:"supersedes,omitempty"`
	Pinned       bool          `json:"pinned,omitempty"`
}

// TaskUpdateContent is the payload for kind=task_update. TaskID empty means
// create; otherwise the named task is patched.
type TaskUpdateContent struct {
	TaskID       string     `json:"task_id,omitempty"`
	Status       TaskStatus `json:"status,omitempty"`
	Title        string     `json:"title,omitempty"`
	Details      string     `json:"details,omitempty"`
	OwnerAgentID string     `json:"owner_agent_id,omitempty"`
}

// ArtifactRefContent is the payload for kind=artifact_ref.
type ArtifactRefContent struct {
	ArtifactID  string `json:"artifact_id"`
	Description string `json:"description,omitempty"`
}

// Tags with system significance. Other tags are free-form labels; these are
// filtered or matched by the builder and consolidator.
const (
	TagPinned         = "pinned"
	TagKnowledge      = "knowledge"
	TagHandoff        = "handoff"
	TagHandoffSummary = "handoff_summary"
	TagPreferences    = "preferences"
	TagImportant      = "important"
)

// Intents that take the ACB fast path (hot set + recent only, no retrieval).
const (
	IntentContinue    = "continue"
	IntentSimpleReply = "simple_reply"
	IntentAck         = "ack"
)

// IsFastPathIntent reports whether intent skips the retrieval stage.
func IsFastPathIntent(intent string) bool {
	return intent == IntentContinue || intent == IntentSimpleReply || intent == IntentAck
}

// Validation limits enforced by the Recorder and daemon.
const (
	MaxTagLength       = 64
	MaxTagsPerEvent    = 32
	MaxRefsPerEvent    = 64
	MaxIDLength        = 64
	MaxTenantIDLength  = 64
	MaxSessionIDLength = 128
	MaxAgentIDLength   = 128
	MaxContentBytes    = 1 << 20 // pre-normalisation content cap, 1 MiB
)
