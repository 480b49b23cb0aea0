package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"parley/internal/config"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agent registry",
		Long:  "List the agents parley can launch: builtins plus entries from ~/.parley/config.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCOMMAND\tDESCRIPTION")
			for _, name := range cfg.AgentNames() {
				entry := cfg.Agents[name]
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, entry.Run, entry.Description)
			}
			return w.Flush()
		},
	}
}
