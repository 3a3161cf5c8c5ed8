package cli

// ABOUTME: `warden snapshot` parent command grouping snapshot operations:
// ABOUTME: create, list, restore, prune, pull, keygen.

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Short:   "Encrypted instance state snapshots",
		GroupID: groupSafety,
	}

	cmd.AddCommand(
		newSnapshotCreateCmd(),
		newSnapshotListCmd(),
		newSnapshotRestoreCmd(),
		newSnapshotPruneCmd(),
		newSnapshotPullCmd(),
		newSnapshotKeygenCmd(),
	)

	return cmd
}

// withSnapshots resolves the instance and hands fn a snapshot manager
// configured with the retention policy.
func withSnapshots(cmd *cobra.Command, name string, fn func(mgr *snapshot.Manager, binst backend.Instance) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	inst, err := instance.Load(name)
	if err != nil {
		return err
	}
	mgr := snapshot.NewManager(cfg.SnapshotRetention, slog.Default())
	return fn(mgr, inst.BackendInstance())
}

func newSnapshotCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [--instance name] [<name>]",
		Short: "Snapshot an instance's state directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			return withSnapshots(cmd, name, func(mgr *snapshot.Manager, binst backend.Instance) error {
				info, err := mgr.Create(binst)
				if err != nil {
					return err
				}

				if jsonEnabled(cmd) {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"id":         info.ID,
						"size_bytes": info.SizeBytes,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s created (%d bytes)\n", info.ID, info.SizeBytes) //nolint:errcheck // best-effort output
				return nil
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}

func newSnapshotListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list [--instance name] [<name>]",
		Aliases: []string{"ls"},
		Short:   "List an instance's snapshots, newest first",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			return withSnapshots(cmd, name, func(mgr *snapshot.Manager, binst backend.Instance) error {
				infos, err := mgr.List(binst)
				if err != nil {
					return err
				}

				if jsonEnabled(cmd) {
					return writeJSON(cmd.OutOrStdout(), infos)
				}

				if len(infos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No snapshots found") //nolint:errcheck // best-effort output
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tSIZE\tCREATED\tLATEST") //nolint:errcheck // best-effort output
				for _, info := range infos {
					latest := ""
					if info.Latest {
						latest = "*"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", //nolint:errcheck // best-effort output
						info.ID, info.SizeBytes, info.CreatedAt.Format("2006-01-02 15:04:05"), latest)
				}
				return w.Flush()
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}

func newSnapshotRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [--instance name] <id|latest>",
		Short: "Restore a snapshot into the state directory",
		Long: `Restore decrypts the named snapshot (or "latest") and replaces the
instance's state directory with its contents. The instance must be
stopped. The previous state is kept under a backup path.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, rest, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}
			idOrLatest := "latest"
			if len(rest) >= 1 {
				idOrLatest = rest[0]
			}

			return withManager(cmd, name, func(ctx context.Context, mgr *lifecycle.Manager) error {
				result, err := mgr.RestoreSnapshot(ctx, name, idOrLatest)
				if err != nil {
					return err
				}

				if jsonEnabled(cmd) {
					return writeJSON(cmd.OutOrStdout(), map[string]string{
						"id":     result.ID,
						"backup": result.BackupPath,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (previous state backed up to %s)\n", //nolint:errcheck // best-effort output
					result.ID, result.BackupPath)
				return nil
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}

func newSnapshotPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune [--instance name] [<name>]",
		Short: "Delete snapshots beyond the retention limit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			return withSnapshots(cmd, name, func(mgr *snapshot.Manager, binst backend.Instance) error {
				return mgr.Prune(binst)
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}

func newSnapshotPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull [--instance name] [<name>]",
		Short: "Copy sandbox-side snapshots to the host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			return withBackend(cmd, name, func(ctx context.Context, cfg *config.Config, be backend.Backend) error {
				inst, err := instance.Load(name)
				if err != nil {
					return err
				}
				mgr := snapshot.NewManager(cfg.SnapshotRetention, slog.Default())
				return mgr.Pull(ctx, be, inst.BackendInstance())
			})
		},
	}
	addInstanceFlag(cmd)
	return cmd
}

func newSnapshotKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen [--instance name] [<name>]",
		Short: "Generate an instance's snapshot keypair",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _, err := resolveInstance(cmd, args)
			if err != nil {
				return err
			}

			inst, err := instance.Load(name)
			if err != nil {
				return err
			}

			if err := snapshot.Generate(inst.BackendInstance().SecretsRoot); err != nil {
				return err
			}
			fmt.Fprint(cmd.ErrOrStderr(), snapshot.KeygenWarning) //nolint:errcheck // best-effort warning
			return nil
		},
	}
	addInstanceFlag(cmd)
	return cmd
}
