package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/daemon"
	"github.com/dotcommander/mnemo/internal/store"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Listen = listen
			}

			verbose, _ := cmd.Flags().GetBool("verbose")
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			srv, err := daemon.New(cfg, db, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(cfg.AuthTokens) == 0 {
				log.Warn("no auth tokens configured, requests are unauthenticated")
			}
			err = srv.Run(ctx)
			log.Info("mnemod stopped", zap.Error(err))
			return err
		},
	}

	cmd.Flags().String("listen", "", "Listen address (default from config, :8377)")
	cmd.Flags().Bool("verbose", false, "Debug logging to the console")
	return cmd
}
