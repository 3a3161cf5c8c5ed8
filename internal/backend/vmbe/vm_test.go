// ABOUTME: Unit tests for the VM adapter — arg building, guest layout
// ABOUTME: commands, error mapping.
package vmbe

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wardenhq/warden/internal/backend"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVMInstance() backend.Instance {
	return backend.Instance{
		Name:             "bot1",
		GatewayPort:      18790,
		ControllerPort:   8081,
		CodeRoot:         "/home/u/.warden/instances/bot1/code",
		StateRoot:        "/home/u/.warden/instances/bot1/state",
		SecretsRoot:      "/home/u/.warden/instances/bot1/secrets",
		SecretsShareRoot: "/home/u/.warden/instances/bot1/secrets-shared",
		SnapshotRoot:     "/home/u/.warden/instances/bot1/snapshots",
		ImageRef:         "warden-vm-base",
	}
}

func TestRunArgs(t *testing.T) {
	args := runArgs(testVMInstance(), "warden-bot1")

	assert.Contains(t, args, "run")
	assert.Contains(t, args, "--no-graphics")
	assert.Contains(t, args, "--dir")
	assert.Contains(t, args, "code:/home/u/.warden/instances/bot1/code")
	assert.Contains(t, args, "secrets:/home/u/.warden/instances/bot1/secrets-shared")
	assert.Contains(t, args, "snapshots:/home/u/.warden/instances/bot1/snapshots")
	assert.NotContains(t, args, "secrets:/home/u/.warden/instances/bot1/secrets",
		"the privileged secrets root is never shared")
	assert.Contains(t, args, "--net-softnet")
	assert.Contains(t, args, "--net-softnet-expose=18790:18790,8081:8081")
	// VM name must be last argument
	assert.Equal(t, "warden-bot1", args[len(args)-1])
}

func TestRunArgs_SkipsEmptyRoots(t *testing.T) {
	inst := backend.Instance{Name: "bot1", CodeRoot: "/tmp/code"}
	args := runArgs(inst, "warden-bot1")

	assert.Contains(t, args, "code:/tmp/code")
	for _, a := range args {
		assert.NotContains(t, a, "state:")
	}
	assert.NotContains(t, args, "--net-softnet")
}

func TestPortForwardPairs(t *testing.T) {
	assert.Equal(t, []string{"18790:18790", "8081:8081"}, portForwardPairs(testVMInstance()))
	assert.Nil(t, portForwardPairs(backend.Instance{Name: "bot1"}))
}

func TestGuestSetupCmds(t *testing.T) {
	cmds := guestSetupCmds(testVMInstance())

	assert.Contains(t, cmds, `sudo mkdir -p "/var/lib/warden"`)
	assert.Contains(t, cmds, `sudo ln -sfn "/Volumes/My Shared Files/code" "/var/lib/warden/code"`)
	assert.Contains(t, cmds, `sudo ln -sfn "/Volumes/My Shared Files/snapshots" "/var/lib/warden/snapshots"`)

	last := cmds[len(cmds)-1]
	assert.Contains(t, last, "WARDEN_GATEWAY_PORT=18790")
	assert.Contains(t, last, "WARDEN_CONTROLLER_PORT=8081")
}

func TestMapTartError_NotFound(t *testing.T) {
	for _, stderr := range []string{
		"VM 'warden-bot1' does not exist",
		"error: not found",
		"no such VM",
	} {
		err := mapTartError(assert.AnError, stderr)
		assert.ErrorIs(t, err, backend.ErrNotFound, "stderr: %s", stderr)
	}
}

func TestMapTartError_NotRunning(t *testing.T) {
	for _, stderr := range []string{
		"VM is not running",
		"error: VM is stopped",
	} {
		err := mapTartError(assert.AnError, stderr)
		assert.ErrorIs(t, err, backend.ErrNotRunning, "stderr: %s", stderr)
	}
}

func TestMapTartError_Unknown(t *testing.T) {
	err := mapTartError(assert.AnError, "some other error")
	assert.NotErrorIs(t, err, backend.ErrNotFound)
	assert.NotErrorIs(t, err, backend.ErrNotRunning)
	assert.Contains(t, err.Error(), "some other error")
}

func TestMapTartError_EmptyStderr(t *testing.T) {
	assert.Equal(t, assert.AnError, mapTartError(assert.AnError, ""))
}

func TestPlatformGate(t *testing.T) {
	origGOOS := goos
	origGOARCH := goarch
	defer func() {
		goos = origGOOS
		goarch = origGOARCH
	}()

	goos = func() string { return "linux" }
	goarch = func() string { return "arm64" }
	_, err := New(context.Background(), discardLogger())
	assert.Error(t, err)
}
