// Package commands is the mnemod CLI: serve runs the daemon, the rest are
// one-shot operator tools against the same store.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	root := &cobra.Command{
		Use:           "mnemod",
		Short:         "Shared memory daemon for AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("config", "", "Config file path (default: $MNEMOD_CONFIG, ~/.config/mnemod/config.yaml)")
	root.PersistentFlags().String("db-path", "", "Override database path")
	root.Flags().BoolP("version", "v", false, "version for mnemod")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewMigrateCmd())
	root.AddCommand(NewConsolidateCmd())
	root.AddCommand(NewExportCmd())
	root.AddCommand(NewWALCmd())
	root.AddCommand(NewDoctorCmd())

	err := root.Execute()
	if err != nil {
		_ = output.PrintError(err)
	}
	return err
}

// loadConfig resolves the effective config for one command invocation.
func loadConfig(cmd *cobra.Command) (app.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := app.Load(path)
	if err != nil {
		return cfg, err
	}
	if dbPath, _ := cmd.Flags().GetString("db-path"); dbPath != "" {
		cfg.DBPath = dbPath
		cfg.WALPath = dbPath + ".pending.wal"
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
