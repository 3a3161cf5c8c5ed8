package dockerbe

// ABOUTME: Container operations shared between the plain and nested
// ABOUTME: variants: start, two-phase stop, exec, and tar-stream copy.

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/wardenhq/warden/internal/backend"
)

// StartContainer starts a container by name. Already running is not an
// error; a missing container maps to backend.ErrNotFound.
func StartContainer(ctx context.Context, cli *dockerclient.Client, name string) error {
	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if cerrdefs.IsConflict(err) {
			return nil // already running
		}
		if cerrdefs.IsNotFound(err) {
			return backend.ErrNotFound
		}
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// StopTwoPhase asks the container to stop gracefully within timeout, then
// kills it if it is still running. Already stopped or missing is not an
// error.
func StopTwoPhase(ctx context.Context, cli *dockerclient.Client, name string, timeout time.Duration, logger *slog.Logger) error {
	seconds := int(timeout / time.Second)
	if err := cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}

	info, err := cli.ContainerInspect(ctx, name)
	if err != nil || info.State == nil || !info.State.Running {
		return nil //nolint:nilerr // gone or stopped is the goal state
	}

	logger.Warn("container survived graceful stop, killing", "container", name)
	if err := cli.ContainerKill(ctx, name, "SIGKILL"); err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Returns nil if already gone.
func RemoveContainer(ctx context.Context, cli *dockerclient.Client, name string) error {
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RunExec runs a command inside a running container and returns its
// demultiplexed output and exit code. Exec against a stopped container
// maps to backend.ErrNotRunning.
func RunExec(ctx context.Context, cli *dockerclient.Client, name string, cmd []string) (backend.ExecResult, error) {
	execResp, err := cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return backend.ExecResult{}, backend.ErrNotFound
		}
		if cerrdefs.IsConflict(err) {
			return backend.ExecResult{}, backend.ErrNotRunning
		}
		return backend.ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return backend.ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return backend.ExecResult{}, fmt.Errorf("exec read: %w", err)
	}

	inspectResp, err := cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return backend.ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return backend.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// CopyDir streams a host directory into the container at sandboxPath.
func CopyDir(ctx context.Context, cli *dockerclient.Client, name, hostPath, sandboxPath string) error {
	archive, err := backend.TarDirectory(hostPath)
	if err != nil {
		return fmt.Errorf("archive %s: %w", hostPath, err)
	}
	if err := cli.CopyToContainer(ctx, name, sandboxPath, archive, container.CopyToContainerOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return backend.ErrNotFound
		}
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}
