package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/recorder"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
)

// writeTestConfig materialises a config file pointing at a throwaway db.
func writeTestConfig(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "mnemo.db")
	configPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("db_path: "+dbPath+"\n"), 0o644))
	return configPath, dbPath
}

// runCommand executes cmd under a root carrying the persistent flags and
// returns captured stdout.
func runCommand(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()

	root := &cobra.Command{Use: "mnemod", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "")
	root.PersistentFlags().String("db-path", "", "")
	root.AddCommand(cmd)
	root.SetArgs(append([]string{cmd.Name()}, args...))

	original := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = original }()

	execErr := root.ExecuteContext(context.Background())

	require.NoError(t, w.Close())
	b, readErr := io.ReadAll(r)
	require.NoError(t, readErr)
	require.NoError(t, r.Close())
	require.NoError(t, execErr, "command output: %s", b)
	return string(b)
}

func seedEvent(t *testing.T, dbPath, text string) {
	t.Helper()
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	est, err := tokens.New("approx")
	require.NoError(t, err)
	rec, err := recorder.New(db, app.DefaultConfig(), est, zap.NewNop())
	require.NoError(t, err)

	content, err := json.Marshal(models.MessageContent{Text: text})
	require.NoError(t, err)
	_, err = rec.Append(context.Background(), recorder.Draft{
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
	})
	require.NoError(t, err)
}

func TestMigrateCommand(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	out := runCommand(t, NewMigrateCmd(), "--config", configPath)
	assert.Contains(t, out, `"success":true`)
	assert.Contains(t, out, "current_version")
	assert.Contains(t, out, "latest_version")
}

func TestDoctorCommand(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)

	out := runCommand(t, NewDoctorCmd(), "--config", configPath)
	assert.Contains(t, out, `"db_ok":true`)
	assert.Contains(t, out, dbPath)
	assert.Contains(t, out, `"auth_enabled":false`)
}

func TestExportCommandThread(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	seedEvent(t, dbPath, "exported from the command line")

	out := runCommand(t, NewExportCmd(), "--config", configPath,
		"--tenant", "tenant-a", "--session", "sess-1", "--format", "markdown")
	assert.Contains(t, out, "exported from the command line")
}

func TestExportCommandWritesFile(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	seedEvent(t, dbPath, "full dump content")
	outPath := filepath.Join(t.TempDir(), "dump.json")

	runCommand(t, NewExportCmd(), "--config", configPath,
		"--tenant", "tenant-a", "--out", outPath)

	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "full dump content")
}

func TestConsolidateCommand(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	seedEvent(t, dbPath, "memory to consolidate")

	out := runCommand(t, NewConsolidateCmd(), "--config", configPath, "--tenant", "tenant-a")

	var resp struct {
		Data struct {
			Reports []*models.ConsolidationReport `json:"reports"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Reports, 3)
	for _, r := range resp.Data.Reports {
		assert.Equal(t, "tenant-a", r.TenantID)
		assert.WithinDuration(t, time.Now(), r.CreatedAt, time.Minute)
	}
}

func TestWALInspectCommandEmpty(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	out := runCommand(t, newWALInspectCmd(), "--config", configPath)
	assert.Contains(t, out, `"pending":0`)
}
