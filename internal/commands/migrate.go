package commands

import (
	"github.com/spf13/cobra"

	"github.com/dotcommander/mnemo/internal/output"
	"github.com/dotcommander/mnemo/internal/store"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and report the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Open runs all pending migrations.
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			current, latest, err := store.SchemaVersion(db)
			if err != nil {
				return err
			}

			type resp struct {
				DBPath  string `json:"db_path"`
				Current int64  `json:"current_version"`
				Latest  int64  `json:"latest_version"`
			}
			return output.PrintSuccess(resp{DBPath: cfg.DBPath, Current: current, Latest: latest})
		},
	}
}
