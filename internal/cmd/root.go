// Package cmd implements the parley command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Terminal client for ACP coding agents",
		Long: "parley runs a conversation with an external coding agent over the\n" +
			"Agent Client Protocol, alongside an interactive shell.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			refreshTerminalColorHintsCache()
			return nil
		},
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newAgentsCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
