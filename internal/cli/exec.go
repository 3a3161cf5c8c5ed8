package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/instance"
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exec [--instance name] <name> <command> [args...]",
		Short:   "Run a command inside an instance's sandbox",
		GroupID: groupInspect,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, rest, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}
			if len(rest) == 0 {
				return instance.NewUsageError("command required")
			}

			return withBackend(cmd, name, func(ctx context.Context, _ *config.Config, be backend.Backend) error {
				inst, err := instance.Load(name)
				if err != nil {
					return err
				}

				result, err := be.Exec(ctx, inst.BackendInstance(), rest)
				if err != nil {
					return err
				}

				fmt.Fprint(cmd.OutOrStdout(), result.Stdout) //nolint:errcheck // best-effort output
				fmt.Fprint(cmd.ErrOrStderr(), result.Stderr) //nolint:errcheck // best-effort output
				if result.ExitCode != 0 {
					return fmt.Errorf("command exited %d", result.ExitCode)
				}
				return nil
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "console [--instance name] [<name>]",
		Short:   "Open an interactive shell inside an instance's sandbox",
		GroupID: groupInspect,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			return withBackend(cmd, name, func(ctx context.Context, _ *config.Config, be backend.Backend) error {
				inst, err := instance.Load(name)
				if err != nil {
					return err
				}

				console, ok := be.(backend.InteractiveExecer)
				if !ok {
					return fmt.Errorf("backend %q does not support interactive sessions", be.Variant())
				}
				return console.InteractiveExec(ctx, inst.BackendInstance(), []string{"bash", "-l"})
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}
