package backend

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCmd_CapturesOutput(t *testing.T) {
	result, err := RunCmd(exec.CommandContext(context.Background(), "sh", "-c", "echo out; echo err >&2"))
	require.NoError(t, err)
	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "err", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunCmd_NonZeroExit(t *testing.T) {
	result, err := RunCmd(exec.CommandContext(context.Background(), "sh", "-c", "echo boom >&2; exit 3"))
	require.Error(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "boom", result.Stderr)
	assert.ErrorContains(t, err, "exited with code 3")
}

func TestRunCmd_MissingBinary(t *testing.T) {
	_, err := RunCmd(exec.CommandContext(context.Background(), "definitely-not-a-binary-xyz"))
	require.Error(t, err)
}
