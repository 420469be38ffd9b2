package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/coop/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "coop",
		Short: "Coop — sandboxed, long-lived execution environments for coding agents",
	}

	root.AddCommand(
		createCmd(),
		attachCmd(),
		shellCmd(),
		lsCmd(),
		killCmd(),
		serveCmd(),
		tunnelCmd(),
		shutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coop:", err)
		os.Exit(1)
	}
}

func stateDir() string {
	state, err := config.StateDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "coop: resolve state dir:", err)
		os.Exit(1)
	}
	return state
}
