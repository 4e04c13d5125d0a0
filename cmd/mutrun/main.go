// Package main provides the entry point for the mutrun CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/mutrun/cmd/mutrun/commands"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mutrun",
		Short: "Mutation-run storage engine driver",
		Long: `mutrun drives a toy Wright-Fisher population over the mutation-run
storage engine and inspects saved snapshots.

Commands:
  simulate  Run generations and save snapshots
  inspect   Summarize a saved snapshot`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewSimulateCommand())
	rootCmd.AddCommand(commands.NewInspectCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mutrun %s (commit: %s)\n", version, commit)
		},
	}
}
