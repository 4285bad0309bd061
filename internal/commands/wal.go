package commands

import (
	"database/sql"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/output"
	"github.com/dotcommander/mnemo/internal/recorder"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
	"github.com/dotcommander/mnemo/internal/wal"
)

func NewWALCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect or replay deferred writes",
	}
	cmd.AddCommand(newWALInspectCmd())
	cmd.AddCommand(newWALReplayCmd())
	return cmd
}

func newWALInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print pending write-ahead entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w, err := wal.Open(cfg.WALPath, zap.NewNop())
			if err != nil {
				return err
			}
			entries, err := w.Pending()
			if err != nil {
				return err
			}

			type resp struct {
				Path    string      `json:"path"`
				Pending int         `json:"pending"`
				Entries []wal.Entry `json:"entries,omitempty"`
			}
			return output.PrintSuccess(resp{Path: w.Path(), Pending: len(entries), Entries: entries})
		},
	}
}

func newWALReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Apply pending entries to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w, err := wal.Open(cfg.WALPath, zap.NewNop())
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			est, err := tokens.New(cfg.Tokenizer)
			if err != nil {
				return err
			}
			rec, err := recorder.New(db, cfg, est, zap.NewNop())
			if err != nil {
				return err
			}

			replayed, replayErr := w.Replay(func(e wal.Entry) error {
				_, applyErr := store.RunIdempotent(db, e.Draft.Scope.TenantID, e.RequestID, "record_event",
					func(tx *sql.Tx) (*recorder.Result, error) {
						return rec.AppendTx(tx, e.Draft, time.Now().UTC())
					})
				return applyErr
			})

			remaining, err := w.Pending()
			if err != nil {
				return err
			}

			type resp struct {
				Replayed  int    `json:"replayed"`
				Remaining int    `json:"remaining"`
				Error     string `json:"error,omitempty"`
			}
			out := resp{Replayed: replayed, Remaining: len(remaining)}
			if replayErr != nil {
				out.Error = replayErr.Error()
			}
			return output.PrintSuccess(out)
		},
	}
}
