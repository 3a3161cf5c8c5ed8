package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/snapshot"
	"github.com/wardenhq/warden/internal/syncer"
)

// EnvInstanceName is the environment variable used as the default
// instance name.
const EnvInstanceName = "WARDEN_INSTANCE"

// resolveInstance extracts the instance name from the --instance flag or
// positional args, falling back to WARDEN_INSTANCE. Returns the name and
// the remaining args (excluding the name).
func resolveInstance(cmd *cobra.Command, args []string) (string, []string, error) {
	if flagName, _ := cmd.Flags().GetString("instance"); flagName != "" {
		return flagName, args, nil
	}

	if len(args) >= 1 {
		return args[0], args[1:], nil
	}

	if envName := os.Getenv(EnvInstanceName); envName != "" {
		return envName, nil, nil
	}

	return "", nil, instance.NewUsageError("instance name required (or set WARDEN_INSTANCE)")
}

// addInstanceFlag registers the --instance flag shared by lifecycle
// commands.
func addInstanceFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("instance", "i", "", "Instance to operate on")
}

// withBackend opens the configured backend for an instance, calls fn, and
// ensures cleanup. The variant comes from the instance's stored metadata,
// not from config, so a changed default never strands a running instance.
func withBackend(cmd *cobra.Command, name string, fn func(ctx context.Context, cfg *config.Config, be backend.Backend) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	variant := cfg.Backend
	if inst, err := instance.Load(name); err == nil {
		variant = inst.Meta.Backend
	}

	ctx := cmd.Context()
	be, err := lifecycle.OpenBackend(ctx, variant, slog.Default())
	if err != nil {
		return err
	}
	defer be.Close() //nolint:errcheck // best-effort cleanup

	return fn(ctx, cfg, be)
}

// withManager opens the backend and assembles the lifecycle manager with
// its sync and snapshot layers, calls fn, and ensures cleanup.
func withManager(cmd *cobra.Command, name string, fn func(ctx context.Context, mgr *lifecycle.Manager) error) error {
	return withBackend(cmd, name, func(ctx context.Context, cfg *config.Config, be backend.Backend) error {
		snapshots := snapshot.NewManager(cfg.SnapshotRetention, slog.Default())
		engine := &syncer.Engine{
			Backend:   be,
			Snapshots: snapshots,
			Logger:    slog.Default(),
			Output:    cmd.ErrOrStderr(),
		}
		mgr := lifecycle.NewManager(be, engine, snapshots, slog.Default())
		return fn(ctx, mgr)
	})
}
