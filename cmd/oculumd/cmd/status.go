package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/runcorpusfs"
	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/sessionstore"
	"github.com/agencymatthewg-beep/opta-sub003/internal/config"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/corpus"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session state from disk",
	Long: `Show the persisted daemon state: whether a daemon appears to be
running, the sessions in the crash-recovery ledger, and the latest
run-corpus summary with its adaptation hint.

Reads only durable state, so it works whether or not a daemon is running.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	pid := readPIDFile(pidFilePath(cfg.Root))
	running := false
	if pid != 0 {
		if proc, err := os.FindProcess(pid); err == nil && processIsAlive(proc) {
			running = true
		}
	}
	if running {
		fmt.Fprintf(out, "daemon: running (PID %d)\n", pid)
	} else {
		fmt.Fprintf(out, "daemon: not running\n")
	}

	store := sessionstore.NewFileStore(filepath.Join(cfg.Root, "runtime-sessions.json"), nil)
	state, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(out, "sessions: unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "sessions: %d persisted (ledger updated %s)\n",
			len(state.Sessions), humanize.Time(state.UpdatedAt))
		for _, s := range state.Sessions {
			recovered := ""
			if s.RecoveredAt != nil {
				recovered = fmt.Sprintf(", recovered %s", humanize.Time(*s.RecoveredAt))
			}
			fmt.Fprintf(out, "  %s  mode=%s  updated %s%s\n",
				s.SessionID, s.Mode, humanize.Time(s.UpdatedAt), recovered)
		}
	}

	corpusStore := runcorpusfs.NewStore(filepath.Join(cfg.Root, "run-corpus"))
	summary, ok, err := corpusStore.ReadLatest(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(out, "run-corpus: unreadable (%v)\n", err)
	case !ok:
		fmt.Fprintf(out, "run-corpus: no snapshot yet\n")
	default:
		fmt.Fprintf(out, "run-corpus: %d sessions assessed over %dh (refreshed %s)\n",
			summary.AssessedSessionCount, summary.WindowHours, humanize.Time(summary.GeneratedAt))
		fmt.Fprintf(out, "  regression=%d investigate=%d mean=%.2f max=%.2f\n",
			summary.RegressionSessionCount, summary.InvestigateSessionCount,
			summary.MeanRegressionScore, summary.MaxRegressionScore)
		hint := corpus.DeriveHint(summary, cfg.Daemon.RunCorpus.Adaptation)
		fmt.Fprintf(out, "  %s\n", corpus.Explain(hint, summary))
	}

	return nil
}
