// Package cli defines the Cobra command tree for the warden CLI.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/instance"
)

const (
	groupLifecycle = "lifecycle"
	groupInspect   = "inspect"
	groupSafety    = "safety"
)

// buildVersion is stamped into instance metadata at creation time.
var buildVersion = "dev"

// Execute runs the root command and returns the exit code.
func Execute(ctx context.Context, version, commit, date string) int {
	buildVersion = version
	rootCmd := newRootCmd(version, commit, date)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "warden: %s\n", err) //nolint:errcheck // best-effort stderr write

	var usageErr *instance.UsageError
	if errors.As(err, &usageErr) {
		return 2
	}

	var configErr *instance.ConfigError
	if errors.As(err, &configErr) {
		return 3
	}

	return 1
}

// newRootCmd creates the root Cobra command with all subcommands registered.
func newRootCmd(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Sandboxed autonomous agent supervisor",
		Long: `Provision, supervise, and tear down autonomous agent instances inside
disposable sandboxes. Each instance gets an isolation backend (container,
nested daemon, VM, or microVM), differential code sync with dependency
caching, and encrypted state snapshots that outlive the sandbox.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			configureLogging(cmd)
		},
	}

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v for debug)")
	rootCmd.PersistentFlags().CountP("quiet", "q", "Suppress non-essential output (-q for warn, -qq for error only)")
	rootCmd.PersistentFlags().Bool("json", false, "Machine-readable output where supported")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupLifecycle, Title: "Lifecycle Commands:"},
		&cobra.Group{ID: groupInspect, Title: "Inspection Commands:"},
		&cobra.Group{ID: groupSafety, Title: "Safety Commands:"},
	)

	registerCommands(rootCmd, version, commit, date)

	return rootCmd
}

// configureLogging maps -v/-q counts onto the process-wide slog level.
func configureLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetCount("verbose")
	quiet, _ := cmd.Flags().GetCount("quiet")

	level := slog.LevelInfo
	switch {
	case verbose > 0:
		level = slog.LevelDebug
	case quiet == 1:
		level = slog.LevelWarn
	case quiet >= 2:
		level = slog.LevelError
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
