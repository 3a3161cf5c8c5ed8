package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/lifecycle"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start [--instance name] [<name>]",
		Short:   "Start an instance",
		GroupID: groupLifecycle,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runLifecycleOp("started", (*lifecycle.Manager).Start),
	}
	addInstanceFlag(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stop [--instance name] [<name>]",
		Short:   "Stop an instance (pulling sandbox snapshots first)",
		GroupID: groupLifecycle,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runLifecycleOp("stopped", (*lifecycle.Manager).Stop),
	}
	addInstanceFlag(cmd)
	return cmd
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "restart [--instance name] [<name>]",
		Short:   "Stop and start an instance",
		GroupID: groupLifecycle,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runLifecycleOp("restarted", (*lifecycle.Manager).Restart),
	}
	addInstanceFlag(cmd)
	return cmd
}

func newRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rebuild [--instance name] [<name>]",
		Short:   "Restart an instance with a clean dependency install",
		GroupID: groupLifecycle,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runLifecycleOp("rebuilt", (*lifecycle.Manager).Rebuild),
	}
	addInstanceFlag(cmd)
	return cmd
}

// runLifecycleOp builds the shared RunE for the four lifecycle verbs.
func runLifecycleOp(action string, op func(*lifecycle.Manager, context.Context, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name, _, err := resolveInstance(cmd, args)
		if err != nil {
			return err
		}

		return withManager(cmd, name, func(ctx context.Context, mgr *lifecycle.Manager) error {
			if err := op(mgr, ctx, name); err != nil {
				return err
			}

			if jsonEnabled(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"name":   name,
					"action": action,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, action) //nolint:errcheck // best-effort output
			return nil
		})
	}
}
