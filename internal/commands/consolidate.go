package commands

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/consolidator"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/output"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
)

func NewConsolidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run consolidation jobs once, outside the daemon schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			job, _ := cmd.Flags().GetString("job")

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			est, err := tokens.New(cfg.Tokenizer)
			if err != nil {
				return err
			}
			cons := consolidator.New(db, cfg, est, zap.NewNop())

			tenants := []string{tenant}
			if tenant == "" {
				if tenants, err = store.ListTenants(db); err != nil {
					return err
				}
			}

			now := time.Now().UTC()
			var reports []*models.ConsolidationReport
			for _, t := range tenants {
				out, err := cons.Run(cmd.Context(), t, job, now)
				if err != nil {
					return err
				}
				reports = append(reports, out...)
			}

			type resp struct {
				Reports []*models.ConsolidationReport `json:"reports"`
			}
			return output.PrintSuccess(resp{Reports: reports})
		},
	}

	cmd.Flags().String("tenant", "", "Tenant to consolidate (default: every tenant)")
	cmd.Flags().String("job", consolidator.JobAll, "Job: handoff_compression, decision_archival, identity_extraction, or all")
	return cmd
}
