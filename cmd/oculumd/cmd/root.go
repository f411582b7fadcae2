// Package cmd provides the CLI commands for oculumd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agencymatthewg-beep/opta-sub003/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "oculumd",
	Short: "oculumd - governed browser-automation control plane",
	Long: `oculumd mediates, executes, and records agent-driven browser actions
under a safety policy.

Every tool call flows through a risk classifier that can allow, gate on
operator approval, or deny; every executed action leaves an ordered,
cross-referenced artifact trail with visual-diff telemetry; and a rolling
run-corpus of recent sessions feeds back into future risk classification.

Quick start:
  1. Create a config file: oculum.yaml
  2. Run: oculumd start

Configuration:
  Config is loaded from oculum.yaml in the current directory,
  $HOME/.oculum/, or /etc/oculum/.

  Environment variables can override config values with the OCULUM_ prefix.
  Example: OCULUM_DAEMON_MAX_SESSIONS=8

Commands:
  start       Start the runtime daemon
  stop        Stop the running daemon
  status      Show daemon and session state from disk
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./oculum.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
