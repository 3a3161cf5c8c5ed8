package instance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_And_Load(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	inst, err := Create(CreateOptions{
		Name:           "bot1",
		Backend:        "none",
		ImageRef:       "warden-base",
		GatewayPort:    18789,
		ControllerPort: 8080,
		Version:        "test",
	})
	require.NoError(t, err)
	assert.Equal(t, "bot1", inst.Meta.Name)

	// Directory skeleton exists, secrets tighter than the rest.
	for _, sub := range []string{"code", "state", "snapshots", "secrets", "secrets-shared"} {
		info, statErr := os.Stat(filepath.Join(Dir("bot1"), sub))
		require.NoError(t, statErr, sub)
		assert.True(t, info.IsDir())
	}
	secInfo, err := os.Stat(SecretsDir("bot1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), secInfo.Mode().Perm())

	loaded, err := Load("bot1")
	require.NoError(t, err)
	assert.Equal(t, inst.Meta.GatewayPort, loaded.Meta.GatewayPort)
	assert.Equal(t, "none", loaded.Meta.Backend)
}

func TestCreate_Duplicate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Create(CreateOptions{Name: "bot1", Backend: "none"})
	require.NoError(t, err)

	_, err = Create(CreateOptions{Name: "bot1", Backend: "vm"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreate_InvalidName_NoSideEffects(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Create(CreateOptions{Name: "-bad", Backend: "none"})
	require.ErrorIs(t, err, ErrInvalidName)

	_, statErr := os.Stat(Dir("-bad"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoad_NotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	names, err := List()
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, n := range []string{"zeta", "alpha"} {
		_, err := Create(CreateOptions{Name: n, Backend: "none"})
		require.NoError(t, err)
	}

	names, err = List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestDestroy(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Create(CreateOptions{Name: "bot1", Backend: "none"})
	require.NoError(t, err)

	require.NoError(t, Destroy("bot1"))
	assert.ErrorIs(t, Destroy("bot1"), ErrNotFound)
}

func TestBackendInstance_Roots(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	inst, err := Create(CreateOptions{Name: "bot1", Backend: "vm", GatewayPort: 18789, ControllerPort: 8080})
	require.NoError(t, err)

	bi := inst.BackendInstance()
	assert.Equal(t, "bot1", bi.Name)
	assert.Equal(t, CodeDir("bot1"), bi.CodeRoot)
	assert.Equal(t, StateDir("bot1"), bi.StateRoot)
	assert.Equal(t, SecretsDir("bot1"), bi.SecretsRoot)
	assert.Equal(t, SecretsShareDir("bot1"), bi.SecretsShareRoot)
	assert.Equal(t, SnapshotDir("bot1"), bi.SnapshotRoot)
	assert.Equal(t, 18789, bi.GatewayPort)
}
