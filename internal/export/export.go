// Package export produces portability dumps of a tenant's memory: a single
// session thread or everything the tenant owns, as JSON or markdown.
package export

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/store"
)

// Output formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

const pageSize = 500

// ThreadExport is one session's events in chronological order, plus the
// artifacts those events spilled.
type ThreadExport struct {
	TenantID   string             `json:"tenant_id"`
	SessionID  string             `json:"session_id"`
	ExportedAt time.Time          `json:"exported_at"`
	Events     []*models.Event    `json:"events"`
	Artifacts  []*models.Artifact `json:"artifacts,omitempty"`
}

// FullExport is everything a tenant owns. Truncated marks a dump cut short
// by the per-call page read bound; the caller can re-export offline.
type FullExport struct {
	TenantID   string                      `json:"tenant_id"`
	ExportedAt time.Time                   `json:"exported_at"`
	Truncated  bool                        `json:"truncated,omitempty"`
	Events     []*models.Event             `json:"events"`
	Decisions  []*models.Decision          `json:"decisions,omitempty"`
	Handoffs   []*models.Handoff           `json:"handoffs,omitempty"`
	Principles []*models.SemanticPrinciple `json:"principles,omitempty"`
	Notes      []*models.KnowledgeNote     `json:"notes,omitempty"`
}

// Exporter renders portability dumps from one store. MaxPageReads bounds how
// many event pages one All call may fetch; zero means unbounded (CLI use).
type Exporter struct {
	db           *sql.DB
	MaxPageReads int
}

// New wires an Exporter.
func New(db *sql.DB) *Exporter {
	return &Exporter{db: db}
}

// Thread exports one session's events in the given format.
func (x *Exporter) Thread(tenantID, sessionID, format string) ([]byte, error) {
	if tenantID == "" || sessionID == "" {
		return nil, models.E(models.ErrValidation, "tenant_id and session_id are required")
	}
	if err := validFormat(format); err != nil {
		return nil, err
	}

	events, err := store.ListSessionEvents(x.db, tenantID, sessionID, 100000)
	if err != nil {
		return nil, err
	}
	// ListSessionEvents returns newest first; exports read top to bottom.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	artifacts, err := store.ListSessionArtifacts(x.db, tenantID, sessionID, 10000)
	if err != nil {
		return nil, err
	}

	dump := &ThreadExport{
		TenantID:   tenantID,
		SessionID:  sessionID,
		ExportedAt: time.Now().UTC(),
		Events:     events,
		Artifacts:  artifacts,
	}
	if format == FormatMarkdown {
		return renderThreadMarkdown(dump), nil
	}
	return json.MarshalIndent(dump, "", "  ")
}

// All exports the tenant's full memory in the given format.
func (x *Exporter) All(tenantID, format string) ([]byte, error) {
	if tenantID == "" {
		return nil, models.E(models.ErrValidation, "tenant_id is required")
	}
	if err := validFormat(format); err != nil {
		return nil, err
	}

	dump := &FullExport{TenantID: tenantID, ExportedAt: time.Now().UTC()}

	afterID := ""
	for reads := 0; ; reads++ {
		if x.MaxPageReads > 0 && reads >= x.MaxPageReads {
			dump.Truncated = true
			break
		}
		page, err := store.ListTenantEvents(x.db, tenantID, afterID, pageSize)
		if err != nil {
			return nil, err
		}
		dump.Events = append(dump.Events, page...)
		if len(page) < pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	var err error
	if dump.Decisions, err = store.ListActiveDecisions(x.db, tenantID, 100000); err != nil {
		return nil, err
	}
	if dump.Handoffs, err = store.ListHandoffs(x.db, tenantID, "", 100000); err != nil {
		return nil, err
	}
	if dump.Principles, err = store.ListPrinciples(x.db, tenantID, 100000); err != nil {
		return nil, err
	}
	if dump.Notes, err = store.GetKnowledgeNotes(x.db, tenantID, nil, 100000); err != nil {
		return nil, err
	}

	if format == FormatMarkdown {
		return renderFullMarkdown(dump), nil
	}
	return json.MarshalIndent(dump, "", "  ")
}

func validFormat(format string) error {
	switch format {
	case FormatJSON, FormatMarkdown, "":
		return nil
	default:
		return models.E(models.ErrValidation, "unsupported export format %q", format)
	}
}

// Markdown rendering mirrors the assembled-bundle reading order: identity
// material first, then decisions, then the event timeline.

func renderThreadMarkdown(d *ThreadExport) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Thread %s\n\n", d.SessionID)
	fmt.Fprintf(&b, "Tenant: %s  \nExported: %s  \nEvents: %d\n\n", d.TenantID, d.ExportedAt.Format(time.RFC3339), len(d.Events))
	renderEvents(&b, d.Events)
	if len(d.Artifacts) > 0 {
		b.WriteString("## Artifacts\n\n")
		for _, a := range d.Artifacts {
			fmt.Fprintf(&b, "- %s (%s, %d bytes, sha256 %s)\n", a.ID, a.Kind, a.SizeBytes, a.SHA256)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func renderFullMarkdown(d *FullExport) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Memory export for %s\n\n", d.TenantID)
	fmt.Fprintf(&b, "Exported: %s\n\n", d.ExportedAt.Format(time.RFC3339))

	if len(d.Principles) > 0 {
		b.WriteString("## Principles\n\n")
		for _, p := range d.Principles {
			fmt.Fprintf(&b, "- %s (confidence %.2f, sources %d)\n", p.Principle, p.Confidence, p.SourceCount)
		}
		b.WriteString("\n")
	}
	if len(d.Decisions) > 0 {
		b.WriteString("## Active decisions\n\n")
		for _, dec := range d.Decisions {
			fmt.Fprintf(&b, "- **%s** (%s)", dec.Decision, dec.ID)
			if dec.Rationale != "" {
				fmt.Fprintf(&b, " — %s", dec.Rationale)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(d.Handoffs) > 0 {
		b.WriteString("## Handoffs\n\n")
		for _, h := range d.Handoffs {
			fmt.Fprintf(&b, "### %s (%s, %s)\n\n", h.ID, h.CreatedAt.Format("2006-01-02"), h.CompressionLevel)
			switch {
			case h.QuickRef != "" && h.CompressionLevel != models.CompressionFull && h.CompressionLevel != models.CompressionSummary:
				fmt.Fprintf(&b, "%s\n\n", h.QuickRef)
			case h.Summary != "" && h.CompressionLevel == models.CompressionSummary:
				fmt.Fprintf(&b, "%s\n\n", h.Summary)
			default:
				for _, pair := range [][2]string{
					{"Remember", h.Remember}, {"Learned", h.Learned}, {"Becoming", h.Becoming},
				} {
					if pair[1] != "" {
						fmt.Fprintf(&b, "**%s:** %s\n\n", pair[0], pair[1])
					}
				}
			}
		}
	}
	if len(d.Notes) > 0 {
		b.WriteString("## Knowledge notes\n\n")
		for _, n := range d.Notes {
			fmt.Fprintf(&b, "- %s", n.Text)
			if len(n.Tags) > 0 {
				fmt.Fprintf(&b, " _(%s)_", strings.Join(n.Tags, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Events\n\n")
	renderEvents(&b, d.Events)
	return []byte(b.String())
}

func renderEvents(b *strings.Builder, events []*models.Event) {
	for _, e := range events {
		fmt.Fprintf(b, "### %s\n\n", e.ID)
		fmt.Fprintf(b, "%s | %s %s | %s | %s\n\n",
			e.CreatedAt.Format(time.RFC3339), e.ActorType, e.ActorID, e.Kind, e.Channel)
		if len(e.Tags) > 0 {
			fmt.Fprintf(b, "Tags: %s\n\n", strings.Join(e.Tags, ", "))
		}
		text := eventText(e)
		if text != "" {
			fmt.Fprintf(b, "%s\n\n", text)
		}
	}
}

// eventText pulls the human-readable part of an event's payload.
func eventText(e *models.Event) string {
	var payload map[string]any
	if err := json.Unmarshal(e.Content, &payload); err != nil {
		return string(e.Content)
	}
	for _, key := range []string{"text", "excerpt", "decision", "title", "description"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
