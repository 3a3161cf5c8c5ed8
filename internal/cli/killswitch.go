package cli

// ABOUTME: `warden killswitch` parent command: emergency stop-all plus
// ABOUTME: network lockdown, and its reversal.

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/killswitch"
	"github.com/wardenhq/warden/internal/lifecycle"
)

func newKillswitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "killswitch",
		Short:   "Emergency stop and network lockdown",
		GroupID: groupSafety,
	}

	cmd.AddCommand(
		newKillswitchLockCmd(),
		newKillswitchRestoreCmd(),
	)

	return cmd
}

func newSwitch() *killswitch.Switch {
	open := func(ctx context.Context, variant string) (backend.Backend, error) {
		return lifecycle.OpenBackend(ctx, variant, slog.Default())
	}
	return killswitch.New(open, slog.Default())
}

func newKillswitchLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Stop every instance and lock down the network",
		Long: `Lock stops every registered instance best-effort, then replaces the
host's filter rules with a deny-all policy that admits only loopback and
established connections. The prior rules are saved and restored by
` + "`warden killswitch restore`" + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireYesForJSON(cmd); err != nil {
				return err
			}

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				ok, err := confirm(cmd.Context(),
					"Stop all instances and cut host network traffic? [y/N] ",
					cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "Aborted") //nolint:errcheck // best-effort output
					return nil
				}
			}

			if err := newSwitch().Lock(cmd.Context()); err != nil {
				return err
			}

			if jsonEnabled(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"action": "locked"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Kill switch engaged") //nolint:errcheck // best-effort output
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func newKillswitchRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the network rules saved at lock time",
		Long: `Restore replays the filter rules saved by lock and disengages the kill
switch. Instances stay stopped; start them explicitly when ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newSwitch().Restore(cmd.Context()); err != nil {
				return err
			}

			if jsonEnabled(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"action": "restored"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Network rules restored") //nolint:errcheck // best-effort output
			return nil
		},
	}
}
