package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/ports"
)

func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "destroy [--instance name] [<name>]",
		Short:   "Stop and remove an instance",
		GroupID: groupLifecycle,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}
			if err := requireYesForJSON(cmd); err != nil {
				return err
			}

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				prompt := fmt.Sprintf("Destroy %s? This deletes its code, state, and snapshots. [y/N] ", name)
				ok, err := confirm(cmd.Context(), prompt, cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "Aborted") //nolint:errcheck // best-effort output
					return nil
				}
			}

			return withManager(cmd, name, func(ctx context.Context, mgr *lifecycle.Manager) error {
				if err := mgr.Destroy(ctx, name); err != nil {
					return err
				}

				registry, err := ports.Open(instance.RegistryDBPath())
				if err != nil {
					return fmt.Errorf("open port registry: %w", err)
				}
				defer registry.Close() //nolint:errcheck // best-effort cleanup
				if err := registry.Release(ctx, name); err != nil {
					return fmt.Errorf("release ports: %w", err)
				}

				if jsonEnabled(cmd) {
					return writeJSON(cmd.OutOrStdout(), map[string]string{
						"name":   name,
						"action": "destroyed",
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s destroyed\n", name) //nolint:errcheck // best-effort output
				return nil
			})
		},
	}
	addInstanceFlag(cmd)
	cmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
	return cmd
}
