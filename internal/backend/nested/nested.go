// Package nested implements the backend contract for the
// nested-container variant: a dedicated outer container runs its own
// Docker daemon, and the sandbox container lives inside that daemon.
// ABOUTME: Outer DinD container per instance; the inner sandbox is driven
// ABOUTME: through a second SDK client dialing the daemon socket the outer
// ABOUTME: container exports onto the host.
package nested

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/backend/dockerbe"
)

const (
	// outerImage runs a Docker daemon as pid 1.
	outerImage = "docker:27-dind"

	// outerSuffix distinguishes the daemon container from the sandbox it
	// hosts.
	outerSuffix = "-outer"

	// socketDirName under the instance root receives the inner daemon's
	// unix socket.
	socketDirName = "daemon"

	// daemonBootTimeout bounds the wait for the inner daemon socket.
	daemonBootTimeout = 60 * time.Second
)

// Adapter implements backend.Backend with one outer daemon container per
// instance.
type Adapter struct {
	host   *dockerclient.Client
	logger *slog.Logger

	mu    sync.Mutex
	inner map[string]*dockerclient.Client // keyed by instance name
}

// Compile-time checks.
var (
	_ backend.Backend = (*Adapter)(nil)
	_ backend.Remover = (*Adapter)(nil)
)

// New creates an Adapter against the host Docker daemon.
func New(ctx context.Context, logger *slog.Logger) (*Adapter, error) {
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
	return &Adapter{host: cli, logger: logger, inner: map[string]*dockerclient.Client{}}, nil
}

// Variant returns the backend variant name.
func (a *Adapter) Variant() string { return backend.VariantNested }

// Start brings up the outer daemon container, waits for its socket, then
// creates and starts the inner sandbox container.
func (a *Adapter) Start(ctx context.Context, inst backend.Instance) error {
	if err := a.ensureOuter(ctx, inst); err != nil {
		return err
	}

	inner, err := a.innerClient(ctx, inst)
	if err != nil {
		return err
	}

	name := backend.InstanceName(inst.Name)
	if _, err := inner.ContainerInspect(ctx, name); cerrdefs.IsNotFound(err) {
		if err := a.createInner(ctx, inner, inst); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("inspect inner container: %w", err)
	}

	return dockerbe.StartContainer(ctx, inner, name)
}

// ensureOuter creates and starts the per-instance daemon container. The
// sandbox-visible instance roots are mounted at their own host paths
// inside the outer container, so the inner daemon can bind the same
// absolute paths the host uses. The privileged secrets root stays out.
// The allocated ports are published here; the inner container maps them
// again, completing the host-to-sandbox chain.
func (a *Adapter) ensureOuter(ctx context.Context, inst backend.Instance) error {
	name := outerName(inst)
	socketDir := filepath.Join(filepath.Dir(inst.CodeRoot), socketDirName)
	if err := os.MkdirAll(socketDir, 0750); err != nil {
		return fmt.Errorf("create daemon socket directory: %w", err)
	}

	if _, err := a.host.ContainerInspect(ctx, name); cerrdefs.IsNotFound(err) {
		portBindings, exposedPorts, err := dockerbe.PortConfig(inst)
		if err != nil {
			return err
		}

		mounts := []mount.Mount{
			{Type: mount.TypeBind, Source: socketDir, Target: "/run/warden"},
		}
		for _, root := range []string{inst.CodeRoot, inst.StateRoot, inst.SecretsShareRoot, inst.SnapshotRoot} {
			if root == "" {
				continue
			}
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: root, Target: root})
		}

		_, err = a.host.ContainerCreate(ctx,
			&container.Config{
				Image:        outerImage,
				Cmd:          []string{"dockerd", "--host=unix:///run/warden/docker.sock", "--tls=false"},
				ExposedPorts: exposedPorts,
			},
			&container.HostConfig{
				Privileged:   true,
				PortBindings: portBindings,
				Mounts:       mounts,
			},
			&network.NetworkingConfig{}, nil, name)
		if err != nil {
			return fmt.Errorf("create outer container: %w", err)
		}
		a.logger.Info("outer daemon container created", "instance", inst.Name)
	} else if err != nil {
		return fmt.Errorf("inspect outer container: %w", err)
	}

	return dockerbe.StartContainer(ctx, a.host, name)
}

// innerClient returns a client dialing the instance's inner daemon,
// waiting for the socket to answer on first use.
func (a *Adapter) innerClient(ctx context.Context, inst backend.Instance) (*dockerclient.Client, error) {
	a.mu.Lock()
	if cli, ok := a.inner[inst.Name]; ok {
		a.mu.Unlock()
		return cli, nil
	}
	a.mu.Unlock()

	socketPath := filepath.Join(filepath.Dir(inst.CodeRoot), socketDirName, "docker.sock")
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost("unix://"+socketPath),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create inner Docker client: %w", err)
	}

	err = backend.Poll(ctx, time.Second, daemonBootTimeout, func(ctx context.Context) (bool, error) {
		_, pingErr := cli.Ping(ctx)
		return pingErr == nil, nil
	})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("inner daemon did not come up: %w", err)
	}

	a.mu.Lock()
	a.inner[inst.Name] = cli
	a.mu.Unlock()
	return cli, nil
}

// cachedInner returns the inner client without waiting for the daemon.
// After a process restart the cache is cold, so it attempts one dial and
// ping against the daemon socket before giving up.
func (a *Adapter) cachedInner(ctx context.Context, inst backend.Instance) *dockerclient.Client {
	a.mu.Lock()
	if cli, ok := a.inner[inst.Name]; ok {
		a.mu.Unlock()
		return cli
	}
	a.mu.Unlock()

	socketPath := filepath.Join(filepath.Dir(inst.CodeRoot), socketDirName, "docker.sock")
	if _, err := os.Stat(socketPath); err != nil {
		return nil
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost("unix://"+socketPath),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil
	}

	a.mu.Lock()
	a.inner[inst.Name] = cli
	a.mu.Unlock()
	return cli
}

// createInner builds the sandbox container inside the inner daemon. The
// same port numbers published on the outer container are bound here, so
// traffic reaching the outer container's port lands on the sandbox.
func (a *Adapter) createInner(ctx context.Context, inner *dockerclient.Client, inst backend.Instance) error {
	portBindings, exposedPorts, err := dockerbe.PortConfig(inst)
	if err != nil {
		return err
	}

	useInit := true
	_, err = inner.ContainerCreate(ctx,
		&container.Config{
			Image:        inst.ImageRef,
			WorkingDir:   backend.GuestCodeDir,
			ExposedPorts: exposedPorts,
			Env: []string{
				"WARDEN_GATEWAY_PORT=" + strconv.Itoa(inst.GatewayPort),
				"WARDEN_CONTROLLER_PORT=" + strconv.Itoa(inst.ControllerPort),
			},
		},
		&container.HostConfig{
			Init:         &useInit,
			PortBindings: portBindings,
			Mounts:       dockerbe.RootMounts(inst),
		},
		&network.NetworkingConfig{}, nil, backend.InstanceName(inst.Name))
	if err != nil {
		return fmt.Errorf("create inner container: %w", err)
	}
	return nil
}

// Stop shuts down the inner sandbox two-phase, then the outer daemon
// container.
func (a *Adapter) Stop(ctx context.Context, inst backend.Instance, timeout time.Duration) error {
	if inner := a.cachedInner(ctx, inst); inner != nil {
		if err := dockerbe.StopTwoPhase(ctx, inner, backend.InstanceName(inst.Name), timeout, a.logger); err != nil {
			return err
		}
	}
	return dockerbe.StopTwoPhase(ctx, a.host, outerName(inst), timeout, a.logger)
}

// Exec runs a command inside the inner sandbox container.
func (a *Adapter) Exec(ctx context.Context, inst backend.Instance, cmd []string) (backend.ExecResult, error) {
	inner := a.cachedInner(ctx, inst)
	if inner == nil {
		return backend.ExecResult{}, backend.ErrNotRunning
	}
	return dockerbe.RunExec(ctx, inner, backend.InstanceName(inst.Name), cmd)
}

// CopyIn places a host directory into the sandbox. The sandbox-visible
// roots are mounted through both container layers at their host paths,
// so root mappings need no copy.
func (a *Adapter) CopyIn(ctx context.Context, inst backend.Instance, hostPath, sandboxPath string) error {
	switch hostPath {
	case inst.CodeRoot, inst.StateRoot, inst.SecretsShareRoot, inst.SnapshotRoot:
		return nil
	}
	inner := a.cachedInner(ctx, inst)
	if inner == nil {
		return backend.ErrNotRunning
	}
	return dockerbe.CopyDir(ctx, inner, backend.InstanceName(inst.Name), hostPath, sandboxPath)
}

// IsAlive reports whether the inner sandbox container is running.
func (a *Adapter) IsAlive(ctx context.Context, inst backend.Instance) bool {
	inner := a.cachedInner(ctx, inst)
	if inner == nil {
		return false
	}
	info, err := inner.ContainerInspect(ctx, backend.InstanceName(inst.Name))
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// Remove deletes the inner sandbox and the outer daemon container.
func (a *Adapter) Remove(ctx context.Context, inst backend.Instance) error {
	if inner := a.cachedInner(ctx, inst); inner != nil {
		if err := dockerbe.RemoveContainer(ctx, inner, backend.InstanceName(inst.Name)); err != nil {
			return err
		}
	}
	return dockerbe.RemoveContainer(ctx, a.host, outerName(inst))
}

// Close releases the host client and all inner daemon clients.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, cli := range a.inner {
		_ = cli.Close()
		delete(a.inner, name)
	}
	return a.host.Close()
}

func outerName(inst backend.Instance) string {
	return backend.InstanceName(inst.Name) + outerSuffix
}
