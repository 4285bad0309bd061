package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotcommander/mnemo/internal/export"
	"github.com/dotcommander/mnemo/internal/store"
)

func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump a tenant's memory for portability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			session, _ := cmd.Flags().GetString("session")
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			exp := export.New(db)
			var data []byte
			if session != "" {
				data, err = exp.Thread(tenant, session, format)
			} else {
				data, err = exp.All(tenant, format)
			}
			if err != nil {
				return err
			}

			if out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		},
	}

	cmd.Flags().String("tenant", "", "Tenant to export (required)")
	cmd.Flags().String("session", "", "Export one session thread instead of the full tenant")
	cmd.Flags().String("format", export.FormatJSON, "Output format: json or markdown")
	cmd.Flags().String("out", "", "Write to a file instead of stdout")
	return cmd
}
