package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agencymatthewg-beep/opta-sub003/internal/config"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/daemon"
	"github.com/agencymatthewg-beep/opta-sub003/internal/observability"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runtime daemon",
	Long: `Start the oculumd runtime daemon.

The daemon owns the shared browser-session runtime: it recovers persisted
sessions, enforces the session cap, prunes profile and artifact retention,
and keeps the run-corpus fresh. It keeps running until interrupted.

Examples:
  # Start with config file settings
  oculumd start

  # Start with a specific config file
  oculumd --config /path/to/oculum.yaml start`,
	RunE: runStart,
}

var traceStdout bool

func init() {
	startCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "Export OTel spans and metrics to stderr")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	var traceWriter io.Writer = io.Discard
	if traceStdout {
		traceWriter = os.Stderr
	}
	providers, err := observability.Setup("oculumd", Version, traceWriter)
	if err != nil {
		return fmt.Errorf("failed to set up observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	ctx := cmd.Context()
	d, err := daemon.GetShared(ctx, cfg.DaemonOptions(), daemon.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to construct daemon: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	pidPath := pidFilePath(cfg.Root)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write pid file", "path", pidPath, "error", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	logger.Info("oculumd started",
		"root", cfg.Root,
		"max_sessions", cfg.Daemon.MaxSessions,
		"persist_sessions", cfg.Daemon.PersistSessions,
		"config", config.ConfigFileUsed(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, gracefulSignals()...)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(stopCtx, daemon.StopOptions{CloseSessions: true})
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func pidFilePath(root string) string {
	return filepath.Join(root, "oculumd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}
