package dockerbe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/backend"
)

func TestCheckServerVersion(t *testing.T) {
	assert.NoError(t, checkServerVersion("28.1.0"))
	assert.NoError(t, checkServerVersion("20.10.0"))
	assert.Error(t, checkServerVersion("19.03.15"))
	assert.NoError(t, checkServerVersion("dev-build"), "unparseable versions pass")
}

func TestPortConfig(t *testing.T) {
	inst := backend.Instance{Name: "bot1", GatewayPort: 18790, ControllerPort: 8081}

	portMap, portSet, err := PortConfig(inst)
	require.NoError(t, err)
	require.Len(t, portMap, 2)
	require.Len(t, portSet, 2)

	for port, bindings := range portMap {
		require.Len(t, bindings, 1)
		assert.Equal(t, port.Port(), bindings[0].HostPort, "host and container numbers stay equal")
		assert.Equal(t, "tcp", port.Proto())
	}
}

func TestPortConfig_NoPorts(t *testing.T) {
	portMap, portSet, err := PortConfig(backend.Instance{Name: "bot1"})
	require.NoError(t, err)
	assert.Nil(t, portMap)
	assert.Nil(t, portSet)
}

func TestRootMounts(t *testing.T) {
	inst := backend.Instance{
		Name:             "bot1",
		CodeRoot:         "/home/u/.warden/instances/bot1/code",
		StateRoot:        "/home/u/.warden/instances/bot1/state",
		SecretsRoot:      "/home/u/.warden/instances/bot1/secrets",
		SecretsShareRoot: "/home/u/.warden/instances/bot1/secrets-shared",
		SnapshotRoot:     "/home/u/.warden/instances/bot1/snapshots",
	}

	mounts := RootMounts(inst)
	require.Len(t, mounts, 4)
	assert.Equal(t, inst.CodeRoot, mounts[0].Source)
	assert.Equal(t, backend.GuestCodeDir, mounts[0].Target)
	assert.Equal(t, inst.SecretsShareRoot, mounts[2].Source, "the privileged secrets root is never mounted")
	assert.Equal(t, backend.GuestSecretsDir, mounts[2].Target)
	assert.Equal(t, backend.GuestSnapshotDir, mounts[3].Target)

	for _, m := range mounts {
		assert.NotEqual(t, inst.SecretsRoot, m.Source)
	}
}

func TestRootMounts_SkipsEmptyRoots(t *testing.T) {
	mounts := RootMounts(backend.Instance{Name: "bot1", CodeRoot: "/tmp/code"})
	require.Len(t, mounts, 1)
	assert.Equal(t, backend.GuestCodeDir, mounts[0].Target)
}

func TestMountedAt(t *testing.T) {
	inst := backend.Instance{CodeRoot: "/tmp/code", StateRoot: "/tmp/state"}
	assert.Equal(t, backend.GuestCodeDir, mountedAt(inst, "/tmp/code"))
	assert.Equal(t, backend.GuestStateDir, mountedAt(inst, "/tmp/state"))
	assert.Empty(t, mountedAt(inst, "/tmp/elsewhere"))
}

