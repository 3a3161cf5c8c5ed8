// Package dockerbe implements the backend contract for the plain
// container variant using the Docker SDK.
// ABOUTME: Wraps the Docker SDK client for sandbox lifecycle, exec, and
// ABOUTME: file placement. Instance roots are bind-mounted, so CopyIn is
// ABOUTME: a no-op for mounted paths.
package dockerbe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/wardenhq/warden/internal/backend"
)

// Adapter implements backend.Backend against a host Docker daemon.
type Adapter struct {
	client *dockerclient.Client
	logger *slog.Logger
}

// Compile-time checks.
var (
	_ backend.Backend           = (*Adapter)(nil)
	_ backend.Remover           = (*Adapter)(nil)
	_ backend.InteractiveExecer = (*Adapter)(nil)
)

// New creates an Adapter and verifies the Docker daemon is reachable and
// recent enough.
func New(ctx context.Context, logger *slog.Logger) (*Adapter, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker is not installed, install it from https://docs.docker.com/get-docker/")
	}

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon is not responding, start Docker Desktop or run 'sudo systemctl start docker'")
	}

	info, err := cli.ServerVersion(ctx)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("query docker server version: %w", err)
	}
	if err := checkServerVersion(info.Version); err != nil {
		_ = cli.Close()
		return nil, err
	}

	return &Adapter{client: cli, logger: logger}, nil
}

// Variant returns the backend variant name.
func (a *Adapter) Variant() string { return backend.VariantNone }

// Start ensures the sandbox container exists and is running. Creating an
// already-created container or starting an already-running one is not an
// error.
func (a *Adapter) Start(ctx context.Context, inst backend.Instance) error {
	name := backend.InstanceName(inst.Name)

	if _, err := a.client.ContainerInspect(ctx, name); cerrdefs.IsNotFound(err) {
		if err := a.create(ctx, inst); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}

	return StartContainer(ctx, a.client, name)
}

func (a *Adapter) create(ctx context.Context, inst backend.Instance) error {
	portBindings, exposedPorts, err := PortConfig(inst)
	if err != nil {
		return err
	}

	useInit := true
	containerConfig := &container.Config{
		Image:        inst.ImageRef,
		WorkingDir:   backend.GuestCodeDir,
		ExposedPorts: exposedPorts,
		Env: []string{
			"WARDEN_GATEWAY_PORT=" + strconv.Itoa(inst.GatewayPort),
			"WARDEN_CONTROLLER_PORT=" + strconv.Itoa(inst.ControllerPort),
		},
	}
	hostConfig := &container.HostConfig{
		Init:         &useInit,
		PortBindings: portBindings,
		Mounts:       RootMounts(inst),
	}

	_, err = a.client.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, name(inst))
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	a.logger.Info("container created", "instance", inst.Name, "image", inst.ImageRef)
	return nil
}

// Stop performs the two-phase shutdown: graceful stop with the given
// timeout, then SIGKILL if the container is still up.
func (a *Adapter) Stop(ctx context.Context, inst backend.Instance, timeout time.Duration) error {
	return StopTwoPhase(ctx, a.client, name(inst), timeout, a.logger)
}

// Exec runs a command inside the running sandbox. A non-zero exit is
// reported through the result, not the error.
func (a *Adapter) Exec(ctx context.Context, inst backend.Instance, cmd []string) (backend.ExecResult, error) {
	return RunExec(ctx, a.client, name(inst), cmd)
}

// CopyIn places a host directory at a sandbox path. Instance roots are
// bind-mounted and need no copy; anything else is streamed in as a tar
// archive.
func (a *Adapter) CopyIn(ctx context.Context, inst backend.Instance, hostPath, sandboxPath string) error {
	if mountedAt(inst, hostPath) == sandboxPath {
		return nil
	}
	return CopyDir(ctx, a.client, name(inst), hostPath, sandboxPath)
}

// IsAlive reports whether the sandbox container is running. Never-created
// containers read as dead.
func (a *Adapter) IsAlive(ctx context.Context, inst backend.Instance) bool {
	info, err := a.client.ContainerInspect(ctx, name(inst))
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// Remove deletes the sandbox container. Returns nil if already removed.
func (a *Adapter) Remove(ctx context.Context, inst backend.Instance) error {
	return RemoveContainer(ctx, a.client, name(inst))
}

// InteractiveExec attaches the caller's terminal to a command inside the
// sandbox by shelling out to `docker exec -it`.
func (a *Adapter) InteractiveExec(ctx context.Context, inst backend.Instance, cmd []string) error {
	args := append([]string{"exec", "-it", "-w", backend.GuestCodeDir, name(inst)}, cmd...)
	c := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: name and cmd come from validated instance state
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

// Close releases the Docker client connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func name(inst backend.Instance) string {
	return backend.InstanceName(inst.Name)
}

// RootMounts binds the instance roots into the sandbox at the canonical
// guest paths. The secrets mount is the share directory; the privileged
// secrets root never enters the sandbox. Shared with the nested variant,
// whose inner daemon sees the same host paths by construction.
func RootMounts(inst backend.Instance) []mount.Mount {
	pairs := []struct {
		source string
		target string
	}{
		{inst.CodeRoot, backend.GuestCodeDir},
		{inst.StateRoot, backend.GuestStateDir},
		{inst.SecretsShareRoot, backend.GuestSecretsDir},
		{inst.SnapshotRoot, backend.GuestSnapshotDir},
	}

	mounts := make([]mount.Mount, 0, len(pairs))
	for _, p := range pairs {
		if p.source == "" {
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: p.source,
			Target: p.target,
		})
	}
	return mounts
}

// mountedAt returns the guest path a host root is bind-mounted to, or ""
// when the path is not an instance root.
func mountedAt(inst backend.Instance, hostPath string) string {
	switch hostPath {
	case inst.CodeRoot:
		return backend.GuestCodeDir
	case inst.StateRoot:
		return backend.GuestStateDir
	case inst.SecretsShareRoot:
		return backend.GuestSecretsDir
	case inst.SnapshotRoot:
		return backend.GuestSnapshotDir
	}
	return ""
}

// PortConfig maps the instance's allocated host ports onto the same
// numbered container ports. The agent inside reads its ports from the
// environment, so host and container numbers stay equal. The nested
// variant applies the same bindings at both container layers.
func PortConfig(inst backend.Instance) (nat.PortMap, nat.PortSet, error) {
	portMap := nat.PortMap{}
	portSet := nat.PortSet{}

	for _, p := range []int{inst.GatewayPort, inst.ControllerPort} {
		if p == 0 {
			continue
		}
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", p, err)
		}
		portMap[port] = append(portMap[port], nat.PortBinding{HostPort: strconv.Itoa(p)})
		portSet[port] = struct{}{}
	}

	if len(portMap) == 0 {
		return nil, nil, nil
	}
	return portMap, portSet, nil
}
