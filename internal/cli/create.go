package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/ports"
	"github.com/wardenhq/warden/internal/snapshot"
)

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "create <name>",
		Short:   "Register a new instance",
		GroupID: groupLifecycle,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			variant := cfg.Backend
			if flagBackend, _ := cmd.Flags().GetString("backend"); flagBackend != "" {
				variant = flagBackend
			}
			imageRef := cfg.ImageRef
			if flagImage, _ := cmd.Flags().GetString("image"); flagImage != "" {
				imageRef = flagImage
			}
			sourceDir, _ := cmd.Flags().GetString("source")

			registry, err := ports.Open(instance.RegistryDBPath())
			if err != nil {
				return fmt.Errorf("open port registry: %w", err)
			}
			defer registry.Close() //nolint:errcheck // best-effort cleanup

			alloc, err := registry.Allocate(ctx, name, cfg.GatewayBasePort, cfg.ControllerBasePort)
			if err != nil {
				return err
			}

			_, err = provisionInstance(ctx, registry, instance.CreateOptions{
				Name:           name,
				Backend:        variant,
				ImageRef:       imageRef,
				SourceDir:      sourceDir,
				GatewayPort:    alloc.Gateway,
				ControllerPort: alloc.Controller,
				Version:        buildVersion,
			}, snapshot.Generate)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.ErrOrStderr(), snapshot.KeygenWarning) //nolint:errcheck // best-effort warning

			if jsonEnabled(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"name":            name,
					"backend":         variant,
					"gateway_port":    alloc.Gateway,
					"controller_port": alloc.Controller,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (backend %s, gateway %d, controller %d)\n", //nolint:errcheck // best-effort output
				name, variant, alloc.Gateway, alloc.Controller)
			return nil
		},
	}

	cmd.Flags().StringP("backend", "b", "", "Isolation backend (none, nested, vm, microvm)")
	cmd.Flags().String("image", "", "Container or base VM image")
	cmd.Flags().String("source", "", "Host directory mirrored into the sandbox on every sync")

	return cmd
}

// provisionInstance registers the instance and generates its snapshot
// keypair. Any failure releases the allocated ports and removes the
// half-built instance, so a failed create leaves nothing behind.
func provisionInstance(ctx context.Context, registry *ports.Registry, opts instance.CreateOptions, keygen func(secretsDir string) error) (*instance.Instance, error) {
	inst, err := instance.Create(opts)
	if err != nil {
		_ = registry.Release(ctx, opts.Name)
		return nil, err
	}

	if err := keygen(instance.SecretsDir(opts.Name)); err != nil {
		_ = instance.Destroy(opts.Name)
		_ = registry.Release(ctx, opts.Name)
		return nil, fmt.Errorf("generate snapshot keypair: %w", err)
	}
	return inst, nil
}
