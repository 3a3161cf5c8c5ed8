package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/lifecycle"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status [--instance name] [<name>]",
		Short:   "Show an instance's lifecycle state",
		GroupID: groupInspect,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			return withManager(cmd, name, func(ctx context.Context, mgr *lifecycle.Manager) error {
				state, err := mgr.Status(ctx, name)
				if err != nil {
					return err
				}

				if jsonEnabled(cmd) {
					return writeJSON(cmd.OutOrStdout(), map[string]string{
						"name":  name,
						"state": string(state),
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, state) //nolint:errcheck // best-effort output
				return nil
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}
