// Package app holds the daemon configuration: loaded once at startup,
// immutable afterwards. All runtime mutation goes through the store.
package app

import (
	"fmt"
	"sort"

	"github.com/dotcommander/mnemo/internal/models"
)

// Config is the full mnemod configuration. Field names match the snake_case
// YAML keys in config.yaml.
type Config struct {
	Listen     string   `yaml:"listen"`
	DBPath     string   `yaml:"db_path"`
	WALPath    string   `yaml:"wal_path"`
	AuthTokens []string `yaml:"auth_tokens"`
	Tokenizer  string   `yaml:"tokenizer"`

	ACB           ACBConfig           `yaml:"acb"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Privacy       PrivacyConfig       `yaml:"privacy"`
	Limits        LimitsConfig        `yaml:"limits"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
}

// SectionConfig is one ACB section's packing budget.
type SectionConfig struct {
	MaxTokens int `yaml:"max_tokens"`
	Priority  int `yaml:"priority"`
}

// ACBConfig bounds the assembled bundle.
type ACBConfig struct {
	TotalMaxTokens int                      `yaml:"total_max_tokens"`
	ReserveTokens  int                      `yaml:"reserve_tokens"`
	Sections       map[string]SectionConfig `yaml:"sections"`
	// Chunks within this SimHash Hamming distance collapse during dedupe.
	SimHashMaxDistance int `yaml:"simhash_max_distance"`
	DecisionsMax       int `yaml:"decisions_max"`
}

// ScoringConfig holds the retrieval scoring coefficients.
type ScoringConfig struct {
	Alpha            float64 `yaml:"alpha"`
	Beta             float64 `yaml:"beta"`
	Gamma            float64 `yaml:"gamma"`
	RecencyTauSecs   float64 `yaml:"recency_tau_seconds"`
	TagBoost         float64 `yaml:"tag_boost"`
	DecisionRefBoost float64 `yaml:"decision_ref_boost"`
	RRFK             int     `yaml:"rrf_k"`
}

// RetrievalConfig caps candidate generation.
type RetrievalConfig struct {
	CandidatePoolMax   int  `yaml:"candidate_pool_max"`
	RetrievedChunksMax int  `yaml:"retrieved_chunks_max"`
	RecencyTailWindow  int  `yaml:"recency_tail_window"`
	HotsetRecentMax    int  `yaml:"hotset_recent_events_max"`
	FastPathPoolMax    int  `yaml:"fast_path_pool_max"`
	SemanticEnabled    bool `yaml:"semantic_enabled"`
}

// IngestConfig caps the write path.
type IngestConfig struct {
	MaxBytesPerToolResultEvent int `yaml:"max_bytes_per_tool_result_event"`
	ChunkMinTokens             int `yaml:"chunk_min_tokens"`
	ChunkMaxTokens             int `yaml:"chunk_max_tokens"`
}

// ConsolidationConfig controls the background compression jobs.
type ConsolidationConfig struct {
	SummaryThresholdDays          int     `yaml:"summary_threshold_days"`
	QuickRefThresholdDays         int     `yaml:"quick_ref_threshold_days"`
	IntegrationThresholdDays      int     `yaml:"integration_threshold_days"`
	DecisionArchiveThresholdDays  int     `yaml:"decision_archive_threshold_days"`
	IdentityConsolidationMinCount int     `yaml:"identity_consolidation_min_count"`
	SummaryTargetTokens           int     `yaml:"summary_target_tokens"`
	QuickRefTargetTokens          int     `yaml:"quick_ref_target_tokens"`
	ReinforceIncrement            float64 `yaml:"reinforce_increment"`
	DecayFactor                   float64 `yaml:"decay_factor"`
	DecayIdleDays                 int     `yaml:"decay_idle_days"`
	ConfidenceFloor               float64 `yaml:"confidence_floor"`
	HandoffDecisionSignificance   float64 `yaml:"handoff_decision_significance"`
	ScheduleIntervalHours         int     `yaml:"schedule_interval_hours"`
}

// ChannelPolicy is one row of the channel privacy matrix.
type ChannelPolicy struct {
	MaxSensitivity string   `yaml:"max_sensitivity"`
	SuppressViews  []string `yaml:"suppress_views"`
}

// PrivacyConfig holds ingestion policy and the channel suppression matrix.
// SecretPolicy decides what happens when content matches a redact pattern:
// "redact" (default) strips the match and stores the rest; "reject" refuses
// the whole event.
type PrivacyConfig struct {
	NeverStoreKinds []string                 `yaml:"never_store_kinds"`
	RedactPatterns  []string                 `yaml:"redact_patterns"`
	SecretPolicy    string                   `yaml:"secret_policy"`
	Channels        map[string]ChannelPolicy `yaml:"channels"`
}

// LimitsConfig bounds each request.
type LimitsConfig struct {
	MaxFileReadsPerCall int   `yaml:"max_file_reads_per_call"`
	MaxBytesReadPerCall int64 `yaml:"max_bytes_read_per_call"`
	RequestDeadlineMS   int   `yaml:"request_deadline_ms"`
	RequestsPerMinute   int   `yaml:"requests_per_minute"`
}

// EmbeddingConfig points at the optional embedding service. With an empty
// endpoint the deterministic local fallback is used.
type EmbeddingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
	PersistPath string `yaml:"persist_path"`
}

// DefaultConfig returns the documented defaults. Loading merges the YAML
// file over this.
func DefaultConfig() Config {
	return Config{
		Listen:    ":8377",
		Tokenizer: "approx",
		ACB: ACBConfig{
			TotalMaxTokens: 65000,
			ReserveTokens:  5000,
			Sections: map[string]SectionConfig{
				"identity":           {MaxTokens: 1200, Priority: 10},
				"rules":              {MaxTokens: 6000, Priority: 9},
				"task_state":         {MaxTokens: 3000, Priority: 9},
				"relevant_decisions": {MaxTokens: 8000, Priority: 8},
				"retrieved_evidence": {MaxTokens: 28000, Priority: 7},
				"recent_window":      {MaxTokens: 12000, Priority: 6},
				"tool_state":         {MaxTokens: 2000, Priority: 6},
			},
			SimHashMaxDistance: 8,
			DecisionsMax:       100,
		},
		Scoring: ScoringConfig{
			Alpha:            0.6,
			Beta:             0.3,
			Gamma:            0.1,
			RecencyTauSecs:   7 * 24 * 3600,
			TagBoost:         0.1,
			DecisionRefBoost: 0.2,
			RRFK:             60,
		},
		Retrieval: RetrievalConfig{
			CandidatePoolMax:   2000,
			RetrievedChunksMax: 200,
			RecencyTailWindow:  800,
			HotsetRecentMax:    200,
			FastPathPoolMax:    500,
		},
		Ingest: IngestConfig{
			MaxBytesPerToolResultEvent: 64 * 1024,
			ChunkMinTokens:             80,
			ChunkMaxTokens:             800,
		},
		Consolidation: ConsolidationConfig{
			SummaryThresholdDays:          30,
			QuickRefThresholdDays:         90,
			IntegrationThresholdDays:      180,
			DecisionArchiveThresholdDays:  60,
			IdentityConsolidationMinCount: 10,
			SummaryTargetTokens:           500,
			QuickRefTargetTokens:          100,
			ReinforceIncrement:            0.1,
			DecayFactor:                   0.9,
			DecayIdleDays:                 30,
			ConfidenceFloor:               0.1,
			HandoffDecisionSignificance:   0.8,
			ScheduleIntervalHours:         24,
		},
		Privacy: PrivacyConfig{
			NeverStoreKinds: []string{"secret"},
			SecretPolicy:    "redact",
			RedactPatterns: []string{
				`(?i)(api[_-]?key|secret|token|password|passwd|credential)\s*[:=]\s*\S+`,
				`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
				`\bAKIA[0-9A-Z]{16}\b`,
				`\bsk-[A-Za-z0-9]{20,}\b`,
				`\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
			},
			Channels: map[string]ChannelPolicy{
				"private": {MaxSensitivity: "high"},
				"public":  {MaxSensitivity: "low", SuppressViews: []string{"preferences"}},
				"team":    {MaxSensitivity: "high"},
				"agent":   {MaxSensitivity: "low", SuppressViews: []string{"preferences"}},
			},
		},
		Limits: LimitsConfig{
			MaxFileReadsPerCall: 20,
			MaxBytesReadPerCall: 8 << 20,
			RequestDeadlineMS:   1500,
			RequestsPerMinute:   600,
		},
		Embedding: EmbeddingConfig{
			Model:      "nomic-embed-text",
			Dimensions: 1024,
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ACB.TotalMaxTokens <= 0 {
		return fmt.Errorf("acb.total_max_tokens must be > 0")
	}
	if c.ACB.ReserveTokens < 0 || c.ACB.ReserveTokens >= c.ACB.TotalMaxTokens {
		return fmt.Errorf("acb.reserve_tokens must be in [0, total_max_tokens)")
	}
	if c.Scoring.Alpha+c.Scoring.Beta+c.Scoring.Gamma <= 0 {
		return fmt.Errorf("scoring coefficients must sum to a positive value")
	}
	if c.Scoring.RecencyTauSecs <= 0 {
		return fmt.Errorf("scoring.recency_tau_seconds must be > 0")
	}
	if c.Retrieval.CandidatePoolMax <= 0 || c.Retrieval.RetrievedChunksMax <= 0 {
		return fmt.Errorf("retrieval caps must be > 0")
	}
	if c.Retrieval.RetrievedChunksMax > c.Retrieval.CandidatePoolMax {
		return fmt.Errorf("retrieval.retrieved_chunks_max cannot exceed candidate_pool_max")
	}
	if c.Ingest.ChunkMinTokens <= 0 || c.Ingest.ChunkMaxTokens < c.Ingest.ChunkMinTokens {
		return fmt.Errorf("ingest chunk token bounds are inverted")
	}
	if c.Ingest.MaxBytesPerToolResultEvent <= 0 {
		return fmt.Errorf("ingest.max_bytes_per_tool_result_event must be > 0")
	}
	for name, section := range c.ACB.Sections {
		if section.MaxTokens < 0 {
			return fmt.Errorf("acb section %q has negative max_tokens", name)
		}
	}
	for name, policy := range c.Privacy.Channels {
		if !models.Channel(name).Valid() {
			return fmt.Errorf("privacy.channels has unknown channel %q", name)
		}
		if !models.Sensitivity(policy.MaxSensitivity).Valid() {
			return fmt.Errorf("privacy.channels.%s has unknown sensitivity %q", name, policy.MaxSensitivity)
		}
		if models.Sensitivity(policy.MaxSensitivity) == models.SensitivitySecret {
			return fmt.Errorf("privacy.channels.%s: secrets are never loadable", name)
		}
	}
	if c.Privacy.SecretPolicy != "" && c.Privacy.SecretPolicy != "redact" && c.Privacy.SecretPolicy != "reject" {
		return fmt.Errorf("privacy.secret_policy must be redact or reject")
	}
	if c.Limits.MaxFileReadsPerCall <= 0 || c.Limits.MaxBytesReadPerCall <= 0 {
		return fmt.Errorf("request limits must be > 0")
	}
	if c.Limits.RequestDeadlineMS <= 0 {
		return fmt.Errorf("limits.request_deadline_ms must be > 0")
	}
	return nil
}

// ChannelAllows reports whether the channel may load records of the given
// sensitivity. Secrets are never loadable regardless of policy.
func (c *Config) ChannelAllows(channel models.Channel, s models.Sensitivity) bool {
	if s == models.SensitivitySecret {
		return false
	}
	policy, ok := c.Privacy.Channels[string(channel)]
	if !ok {
		// Unknown channel: most restrictive.
		return s == models.SensitivityNone
	}
	return s.Rank() <= models.Sensitivity(policy.MaxSensitivity).Rank()
}

// SuppressedViews returns the pinned-view names the channel must not load.
func (c *Config) SuppressedViews(channel models.Channel) []string {
	policy, ok := c.Privacy.Channels[string(channel)]
	if !ok {
		return nil
	}
	return policy.SuppressViews
}

// SectionOrder returns the configured section names in descending priority,
// ties broken by name so packing order is deterministic.
func (c *Config) SectionOrder() []string {
	names := make([]string, 0, len(c.ACB.Sections))
	for name := range c.ACB.Sections {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.ACB.Sections[names[i]].Priority, c.ACB.Sections[names[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return names[i] < names[j]
	})
	return names
}
