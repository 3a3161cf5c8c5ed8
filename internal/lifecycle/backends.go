package lifecycle

// ABOUTME: Backend factory: maps a configured variant name onto its
// ABOUTME: adapter. The microvm variant composes over the vm adapter.

import (
	"context"
	"log/slog"
	"strings"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/backend/dockerbe"
	"github.com/wardenhq/warden/internal/backend/microvm"
	"github.com/wardenhq/warden/internal/backend/nested"
	"github.com/wardenhq/warden/internal/backend/vmbe"
	"github.com/wardenhq/warden/internal/instance"
)

// OpenBackend constructs the adapter for a variant name.
func OpenBackend(ctx context.Context, variant string, logger *slog.Logger) (backend.Backend, error) {
	switch variant {
	case backend.VariantNone:
		return dockerbe.New(ctx, logger)
	case backend.VariantNested:
		return nested.New(ctx, logger)
	case backend.VariantVM:
		return vmbe.New(ctx, logger)
	case backend.VariantMicroVM:
		outer, err := vmbe.New(ctx, logger)
		if err != nil {
			return nil, err
		}
		return microvm.New(outer, logger)
	default:
		return nil, instance.NewConfigError("unknown backend %q (valid: %s)",
			variant, strings.Join(backend.KnownVariants, ", "))
	}
}
