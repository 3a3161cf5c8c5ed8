package cli

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/lifecycle"
)

type listRow struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Backend string `json:"backend"`
	Gateway int    `json:"gateway_port"`
	Age     string `json:"age"`
}

// openVariantFunc opens a backend adapter for a variant name.
type openVariantFunc func(ctx context.Context, variant string) (backend.Backend, error)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances and their status",
		GroupID: groupInspect,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := instance.List()
			if err != nil {
				return err
			}

			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances found") //nolint:errcheck // best-effort output
				return nil
			}

			rows, err := listRows(cmd.Context(), names, func(ctx context.Context, variant string) (backend.Backend, error) {
				return lifecycle.OpenBackend(ctx, variant, slog.Default())
			}, slog.Default())
			if err != nil {
				return err
			}

			if jsonEnabled(cmd) {
				return writeJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tBACKEND\tGATEWAY\tAGE") //nolint:errcheck // best-effort output
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Name, r.State, r.Backend, r.Gateway, r.Age) //nolint:errcheck // best-effort output
			}
			return w.Flush()
		},
	}
}

// listRows resolves each instance's state through a backend of that
// instance's own variant, opening one adapter per variant. A variant
// whose backend cannot be opened degrades those rows to "unknown"
// instead of failing the whole listing.
func listRows(ctx context.Context, names []string, open openVariantFunc, logger *slog.Logger) ([]listRow, error) {
	backends := map[string]backend.Backend{}
	failed := map[string]bool{}
	defer func() {
		for _, be := range backends {
			_ = be.Close()
		}
	}()

	var rows []listRow
	for _, name := range names {
		inst, err := instance.Load(name)
		if err != nil {
			return nil, err
		}
		variant := inst.Meta.Backend

		be := backends[variant]
		if be == nil && !failed[variant] {
			be, err = open(ctx, variant)
			if err != nil {
				logger.Warn("backend unavailable, reporting unknown state", "variant", variant, "error", err)
				failed[variant] = true
			} else {
				backends[variant] = be
			}
		}

		state := lifecycle.StateUnknown
		if be != nil {
			if be.IsAlive(ctx, inst.BackendInstance()) {
				state = lifecycle.StateRunning
			} else {
				state = lifecycle.StateStopped
			}
		}

		rows = append(rows, listRow{
			Name:    name,
			State:   string(state),
			Backend: variant,
			Gateway: inst.Meta.GatewayPort,
			Age:     formatAge(inst.Meta.CreatedAt),
		})
	}
	return rows, nil
}

// formatAge renders a creation time as a coarse human age ("3d", "2h",
// "5m").
func formatAge(createdAt time.Time) string {
	age := time.Since(createdAt)
	switch {
	case age >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	case age >= time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	}
}
