// Package cmd defines the CLI commands for the sniper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sniper",
		Short: "Group chat discovery, ingestion, and quality classification service",
		Long: `sniper discovers group chats through a pool of network accounts,
captures their messages through a deduplicating ingestion pipeline, and
classifies community quality with periodic AI evaluation cycles.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute is the entry point called from main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
