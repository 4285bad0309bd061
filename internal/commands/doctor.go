package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/output"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/wal"
)

func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			type resp struct {
				DBPath        string `json:"db_path"`
				WALPath       string `json:"wal_path"`
				Listen        string `json:"listen"`
				AuthEnabled   bool   `json:"auth_enabled"`
				DBOK          bool   `json:"db_ok"`
				DBErr         string `json:"db_error,omitempty"`
				SchemaCurrent int64  `json:"schema_current,omitempty"`
				SchemaLatest  int64  `json:"schema_latest,omitempty"`
				WALPending    int    `json:"wal_pending"`
				Hint          string `json:"hint,omitempty"`
			}
			out := resp{
				DBPath:      cfg.DBPath,
				WALPath:     cfg.WALPath,
				Listen:      cfg.Listen,
				AuthEnabled: len(cfg.AuthTokens) > 0,
			}

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				out.DBErr = err.Error()
				out.Hint = "Set db_path to a writable location or use --db-path."
				return output.PrintSuccess(out)
			}
			defer func() { _ = db.Close() }()
			out.DBOK = true

			if current, latest, err := store.SchemaVersion(db); err == nil {
				out.SchemaCurrent = current
				out.SchemaLatest = latest
			}

			if w, err := wal.Open(cfg.WALPath, zap.NewNop()); err == nil {
				if pending, err := w.Pending(); err == nil {
					out.WALPending = len(pending)
				}
			}
			return output.PrintSuccess(out)
		},
	}
}
