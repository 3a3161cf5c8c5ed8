package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/instance"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := filepath.Join(os.Getenv("HOME"), ".warden")
	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WARDEN_BACKEND", "WARDEN_VARIANT", "WARDEN_IMAGE",
		"WARDEN_GATEWAY_PORT", "WARDEN_CONTROLLER_PORT",
		"WARDEN_INSTANCE_COUNT", "WARDEN_SNAPSHOT_RETENTION",
		"WARDEN_KEEP_SNAPSHOTS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Backend)
	assert.Equal(t, 18789, cfg.GatewayBasePort)
	assert.Equal(t, 8080, cfg.ControllerBasePort)
	assert.Equal(t, 5, cfg.SnapshotRetention)
	assert.Equal(t, 1, cfg.InstanceCount)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	writeConfig(t, "backend: vm\ngateway_base_port: 20000\nsnapshot_retention: 3\n")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "vm", cfg.Backend)
	assert.Equal(t, 20000, cfg.GatewayBasePort)
	assert.Equal(t, 3, cfg.SnapshotRetention)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	writeConfig(t, "backend: vm\n")
	t.Setenv("WARDEN_BACKEND", "microvm")
	t.Setenv("WARDEN_GATEWAY_PORT", "19000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "microvm", cfg.Backend)
	assert.Equal(t, 19000, cfg.GatewayBasePort)
}

func TestLoad_LegacyAliases(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	writeConfig(t, "variant: nested\nkeep_snapshots: 9\n")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nested", cfg.Backend)
	assert.Equal(t, 9, cfg.SnapshotRetention)

	// Environment alias, with the current name winning when both are set.
	t.Setenv("WARDEN_VARIANT", "vm")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "vm", cfg.Backend)

	t.Setenv("WARDEN_BACKEND", "none")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"WARDEN_BACKEND": "chroot"}},
		{"port out of range", map[string]string{"WARDEN_GATEWAY_PORT": "70000"}},
		{"non-numeric port", map[string]string{"WARDEN_GATEWAY_PORT": "abc"}},
		{"colliding base ports", map[string]string{"WARDEN_GATEWAY_PORT": "8080"}},
		{"zero retention", map[string]string{"WARDEN_SNAPSHOT_RETENTION": "0"}},
		{"zero count", map[string]string{"WARDEN_INSTANCE_COUNT": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			var configErr *instance.ConfigError
			assert.ErrorAs(t, err, &configErr)
		})
	}
}
