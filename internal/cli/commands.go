package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// registerCommands adds all subcommands to the root command.
func registerCommands(root *cobra.Command, version, commit, date string) {
	root.AddCommand(
		newCreateCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newRebuildCmd(),
		newDestroyCmd(),
		newStatusCmd(),
		newListCmd(),
		newExecCmd(),
		newConsoleCmd(),
		newSnapshotCmd(),
		newKillswitchCmd(),
		newVersionCmd(version, commit, date),
	)
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "warden version %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
