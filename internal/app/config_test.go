package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/mnemo/internal/models"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "mnemo.db")
	require.NoError(t, cfg.Validate())
}

func TestDefaultBudgets(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 65000, cfg.ACB.TotalMaxTokens)
	require.Equal(t, 5000, cfg.ACB.ReserveTokens)
	require.Equal(t, 2000, cfg.Retrieval.CandidatePoolMax)
	require.Equal(t, 200, cfg.Retrieval.RetrievedChunksMax)
	require.InDelta(t, 0.6, cfg.Scoring.Alpha, 1e-9)
	require.InDelta(t, 0.3, cfg.Scoring.Beta, 1e-9)
	require.InDelta(t, 0.1, cfg.Scoring.Gamma, 1e-9)
	require.Equal(t, 28000, cfg.ACB.Sections["retrieved_evidence"].MaxTokens)
}

func TestValidateRejectsNonsense(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.DBPath = "/tmp/x.db"
		return cfg
	}

	cfg := base()
	cfg.ACB.TotalMaxTokens = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.ACB.ReserveTokens = cfg.ACB.TotalMaxTokens
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scoring.Alpha, cfg.Scoring.Beta, cfg.Scoring.Gamma = 0, 0, 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Privacy.Channels["sideband"] = ChannelPolicy{MaxSensitivity: "low"}
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Privacy.Channels = map[string]ChannelPolicy{"team": {MaxSensitivity: "secret"}}
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Retrieval.RetrievedChunksMax = cfg.Retrieval.CandidatePoolMax + 1
	require.Error(t, cfg.Validate())
}

func TestChannelAllows(t *testing.T) {
	cfg := DefaultConfig()

	require.True(t, cfg.ChannelAllows(models.ChannelPrivate, models.SensitivityHigh))
	require.False(t, cfg.ChannelAllows(models.ChannelPublic, models.SensitivityHigh))
	require.True(t, cfg.ChannelAllows(models.ChannelPublic, models.SensitivityLow))
	require.False(t, cfg.ChannelAllows(models.ChannelAgent, models.SensitivityHigh))

	// Secrets never load, on any channel.
	for _, ch := range []models.Channel{models.ChannelPrivate, models.ChannelPublic, models.ChannelTeam, models.ChannelAgent} {
		require.False(t, cfg.ChannelAllows(ch, models.SensitivitySecret), "channel %s", ch)
	}
}

func TestSuppressedViews(t *testing.T) {
	cfg := DefaultConfig()
	require.Contains(t, cfg.SuppressedViews(models.ChannelPublic), "preferences")
	require.Contains(t, cfg.SuppressedViews(models.ChannelAgent), "preferences")
	require.Empty(t, cfg.SuppressedViews(models.ChannelPrivate))
}

func TestSectionOrderDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	order := cfg.SectionOrder()
	require.Equal(t, []string{
		"identity", "rules", "task_state", "relevant_decisions",
		"retrieved_evidence", "recent_window", "tool_state",
	}, order)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: `+filepath.Join(dir, "m.db")+`
acb:
  total_max_tokens: 32000
  reserve_tokens: 2000
  simhash_max_distance: 8
  decisions_max: 100
scoring:
  alpha: 0.5
  beta: 0.4
  gamma: 0.1
  recency_tau_seconds: 604800
  rrf_k: 60
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32000, cfg.ACB.TotalMaxTokens)
	require.InDelta(t, 0.5, cfg.Scoring.Alpha, 1e-9)
	// Untouched defaults survive the merge.
	require.Equal(t, 2000, cfg.Retrieval.CandidatePoolMax)
	require.Equal(t, filepath.Join(dir, "m.db")+".pending.wal", cfg.WALPath)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("MNEMOD_CONFIG", "")
	t.Setenv("MNEMOD_DB_PATH", filepath.Join(t.TempDir(), "env.db"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 65000, cfg.ACB.TotalMaxTokens)
	require.Contains(t, cfg.DBPath, "env.db")
}
