package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/daemon"
	"github.com/ehrlich-b/coop/internal/logger"
	"github.com/ehrlich-b/coop/internal/sandbox"
)

func main() {
	// Hidden reexec subcommands never return; real daemon startup below.
	sandbox.MaybeReexec(os.Args)

	var logLevel string
	root := &cobra.Command{
		Use:   "coopd",
		Short: "Coop daemon — manages sandboxed agent sessions",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(runCmd(&logLevel))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd(logLevel *string) *cobra.Command {
	var idleTimeoutSec int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := config.StateDir()
			if err != nil {
				return fmt.Errorf("resolve state dir: %w", err)
			}
			if err := config.EnsureStateDirs(state); err != nil {
				return fmt.Errorf("ensure state dirs: %w", err)
			}
			if err := logger.Init(*logLevel, config.LogFile(state)); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			idleTimeout := time.Duration(idleTimeoutSec) * time.Second
			if idleTimeoutSec <= 0 {
				idleTimeout = config.DefaultIdleTimeout
			}

			d := daemon.New(state, idleTimeout)

			logger.Info("coopd starting", "state", state, "idle_timeout", idleTimeout)
			return d.Run(context.Background())
		},
	}
	cmd.Flags().IntVar(&idleTimeoutSec, "idle-timeout", 0, "seconds of inactivity before auto-shutdown (0 = default)")
	return cmd
}
