package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/ports"
	"github.com/wardenhq/warden/internal/snapshot"
)

func flagCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addInstanceFlag(cmd)
	return cmd
}

func TestResolveInstance_FlagWins(t *testing.T) {
	cmd := flagCmd(t)
	require.NoError(t, cmd.Flags().Set("instance", "bot1"))

	name, rest, err := resolveInstance(cmd, []string{"positional", "extra"})
	require.NoError(t, err)
	assert.Equal(t, "bot1", name)
	assert.Equal(t, []string{"positional", "extra"}, rest)
}

func TestResolveInstance_Positional(t *testing.T) {
	name, rest, err := resolveInstance(flagCmd(t), []string{"bot1", "ls", "-la"})
	require.NoError(t, err)
	assert.Equal(t, "bot1", name)
	assert.Equal(t, []string{"ls", "-la"}, rest)
}

func TestResolveInstance_EnvFallback(t *testing.T) {
	t.Setenv(EnvInstanceName, "bot-env")

	name, rest, err := resolveInstance(flagCmd(t), nil)
	require.NoError(t, err)
	assert.Equal(t, "bot-env", name)
	assert.Empty(t, rest)
}

func TestResolveInstance_MissingIsUsageError(t *testing.T) {
	t.Setenv(EnvInstanceName, "")

	_, _, err := resolveInstance(flagCmd(t), nil)
	require.Error(t, err)

	var usageErr *instance.UsageError
	assert.True(t, errors.As(err, &usageErr))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd("1.2.3", "abc123", "2026-08-30")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "warden version 1.2.3 (commit: abc123, built: 2026-08-30)\n", out.String())
}

func TestUnknownCommandFails(t *testing.T) {
	root := newRootCmd("dev", "none", "unknown")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"frobnicate"})

	require.Error(t, root.Execute())
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "3d", formatAge(time.Now().Add(-73*time.Hour)))
	assert.Equal(t, "2h", formatAge(time.Now().Add(-150*time.Minute)))
	assert.Equal(t, "5m", formatAge(time.Now().Add(-5*time.Minute)))
}

// listBackend answers liveness checks for listing tests.
type listBackend struct {
	alive  bool
	closed bool
}

var _ backend.Backend = (*listBackend)(nil)

func (b *listBackend) Variant() string                                        { return "mock" }
func (b *listBackend) Start(context.Context, backend.Instance) error          { return nil }
func (b *listBackend) Stop(context.Context, backend.Instance, time.Duration) error {
	return nil
}
func (b *listBackend) Exec(context.Context, backend.Instance, []string) (backend.ExecResult, error) {
	return backend.ExecResult{}, nil
}
func (b *listBackend) CopyIn(context.Context, backend.Instance, string, string) error { return nil }
func (b *listBackend) IsAlive(context.Context, backend.Instance) bool                 { return b.alive }
func (b *listBackend) Close() error {
	b.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListRows_OneBackendPerVariant(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, c := range []struct{ name, variant string }{
		{"bot-a", "none"},
		{"bot-b", "vm"},
		{"bot-c", "none"},
	} {
		_, err := instance.Create(instance.CreateOptions{Name: c.name, Backend: c.variant})
		require.NoError(t, err)
	}

	opened := map[string]int{}
	containers := &listBackend{}
	vms := &listBackend{alive: true}
	rows, err := listRows(context.Background(), []string{"bot-a", "bot-b", "bot-c"},
		func(_ context.Context, variant string) (backend.Backend, error) {
			opened[variant]++
			if variant == "vm" {
				return vms, nil
			}
			return containers, nil
		}, discardLogger())
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "stopped", rows[0].State)
	assert.Equal(t, "running", rows[1].State, "the vm instance answers through the vm adapter")
	assert.Equal(t, "stopped", rows[2].State)
	assert.Equal(t, map[string]int{"none": 1, "vm": 1}, opened, "one adapter per variant")
	assert.True(t, containers.closed)
	assert.True(t, vms.closed)
}

func TestListRows_UnreachableVariantReadsUnknown(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, c := range []struct{ name, variant string }{
		{"bot-a", "none"},
		{"bot-b", "vm"},
		{"bot-c", "vm"},
	} {
		_, err := instance.Create(instance.CreateOptions{Name: c.name, Backend: c.variant})
		require.NoError(t, err)
	}

	opened := map[string]int{}
	rows, err := listRows(context.Background(), []string{"bot-a", "bot-b", "bot-c"},
		func(_ context.Context, variant string) (backend.Backend, error) {
			opened[variant]++
			if variant == "vm" {
				return nil, errors.New("tart is not installed")
			}
			return &listBackend{alive: true}, nil
		}, discardLogger())
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "running", rows[0].State)
	assert.Equal(t, "unknown", rows[1].State)
	assert.Equal(t, "unknown", rows[2].State)
	assert.Equal(t, 1, opened["vm"], "a failed variant is not retried per instance")
}

func TestProvisionInstance_KeygenFailureRollsBack(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	registry, err := ports.Open(instance.RegistryDBPath())
	require.NoError(t, err)
	defer registry.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	alloc, err := registry.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)

	opts := instance.CreateOptions{
		Name:           "bot1",
		Backend:        "none",
		GatewayPort:    alloc.Gateway,
		ControllerPort: alloc.Controller,
	}
	_, err = provisionInstance(ctx, registry, opts, func(string) error {
		return errors.New("keygen exploded")
	})
	require.ErrorContains(t, err, "generate snapshot keypair")

	// Neither the registration nor the ports survive the failure.
	_, loadErr := instance.Load("bot1")
	assert.ErrorIs(t, loadErr, instance.ErrNotFound)
	_, found, err := registry.Lookup(ctx, "bot1")
	require.NoError(t, err)
	assert.False(t, found, "a failed create must not hold ports")
}

func TestProvisionInstance_WritesKeypair(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	registry, err := ports.Open(instance.RegistryDBPath())
	require.NoError(t, err)
	defer registry.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	alloc, err := registry.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)

	inst, err := provisionInstance(ctx, registry, instance.CreateOptions{
		Name:           "bot1",
		Backend:        "none",
		GatewayPort:    alloc.Gateway,
		ControllerPort: alloc.Controller,
	}, snapshot.Generate)
	require.NoError(t, err)
	assert.Equal(t, "bot1", inst.Meta.Name)

	_, err = os.Stat(filepath.Join(instance.SecretsDir("bot1"), snapshot.IdentityFileName))
	assert.NoError(t, err)
}
