// Package vmbe implements the backend contract for the full-VM variant
// by shelling out to the tart CLI.
// ABOUTME: Clones a base VM per instance, boots it detached with the
// ABOUTME: instance roots shared via VirtioFS, and drives it through
// ABOUTME: tart exec. Two-phase stop escalates from tart stop to SIGKILL.
package vmbe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wardenhq/warden/internal/backend"
)

const (
	// pidFileName stores the detached tart run process ID, written next
	// to the instance roots.
	pidFileName = "vm.pid"

	// vmLogFileName captures tart run output for diagnostics.
	vmLogFileName = "vm.log"

	// sharedDirVMPath is where VirtioFS shares appear inside the VM.
	sharedDirVMPath = "/Volumes/My Shared Files"

	// bootTimeout bounds the wait for the VM to answer exec after run.
	bootTimeout = 120 * time.Second

	// bootPollInterval controls how often the boot wait probes the VM.
	bootPollInterval = 2 * time.Second
)

// goos and goarch are variables so tests can override them.
var (
	goos   = func() string { return runtime.GOOS }
	goarch = func() string { return runtime.GOARCH }
)

// Adapter implements backend.Backend using the Tart CLI.
type Adapter struct {
	tartBin string
	logger  *slog.Logger
}

// Compile-time checks.
var (
	_ backend.Backend           = (*Adapter)(nil)
	_ backend.Remover           = (*Adapter)(nil)
	_ backend.InteractiveExecer = (*Adapter)(nil)
)

// New creates an Adapter after verifying tart is installed and the
// platform supports it (macOS on Apple Silicon).
func New(_ context.Context, logger *slog.Logger) (*Adapter, error) {
	tartBin, err := exec.LookPath("tart")
	if err != nil {
		return nil, fmt.Errorf("tart is not installed. Install it with: brew install cirruslabs/cli/tart")
	}
	if goos() != "darwin" || goarch() != "arm64" {
		return nil, fmt.Errorf("vm backend requires macOS with Apple Silicon")
	}
	return &Adapter{tartBin: tartBin, logger: logger}, nil
}

// Variant returns the backend variant name.
func (a *Adapter) Variant() string { return backend.VariantVM }

// Start clones the base image if needed, boots the VM detached with the
// instance roots shared, waits for exec to answer, and lays out the guest
// filesystem.
func (a *Adapter) Start(ctx context.Context, inst backend.Instance) error {
	name := backend.InstanceName(inst.Name)

	if a.isRunning(ctx, name) {
		return nil
	}

	if !a.vmExists(ctx, name) {
		if _, err := a.runTart(ctx, "clone", inst.ImageRef, name); err != nil {
			return fmt.Errorf("clone VM: %w", err)
		}
		a.logger.Info("vm cloned", "instance", inst.Name, "image", inst.ImageRef)
	}

	if err := a.boot(ctx, inst, name); err != nil {
		return err
	}
	return a.setupGuest(ctx, inst, name)
}

// boot starts tart run as a detached process, records its PID, and waits
// for the VM to answer exec. An early process exit aborts the wait.
func (a *Adapter) boot(ctx context.Context, inst backend.Instance, name string) error {
	instanceRoot := filepath.Dir(inst.CodeRoot)
	args := runArgs(inst, name)

	logPath := filepath.Join(instanceRoot, vmLogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304: path within the instance directory
	if err != nil {
		return fmt.Errorf("open VM log: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.tartBin, args...) //nolint:gosec // G204: args are constructed from validated instance state
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach from the parent so the VM survives this process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close() //nolint:errcheck,gosec // best-effort
		return fmt.Errorf("start VM: %w", err)
	}

	pidPath := filepath.Join(instanceRoot, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(cmd.Process.Pid)), 0600); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		logFile.Close() //nolint:errcheck,gosec // best-effort
		return fmt.Errorf("write PID file: %w", err)
	}

	procDone := make(chan error, 1)
	go func() {
		procDone <- cmd.Wait()
		logFile.Close() //nolint:errcheck,gosec // best-effort
	}()

	err = backend.Poll(ctx, bootPollInterval, bootTimeout, func(ctx context.Context) (bool, error) {
		select {
		case procErr := <-procDone:
			if procErr != nil {
				return false, fmt.Errorf("tart run exited: %w", procErr)
			}
			return false, errors.New("tart run exited unexpectedly with no error")
		default:
		}
		probe := exec.CommandContext(ctx, a.tartBin, "exec", name, "true") //nolint:gosec // G204
		return probe.Run() == nil, nil
	})
	if err != nil {
		a.killByPID(instanceRoot)
		detail := fmt.Sprintf("command: %s %s", a.tartBin, strings.Join(args, " "))
		if logData, readErr := os.ReadFile(logPath); readErr == nil && len(logData) > 0 { //nolint:gosec // G304: path within the instance directory
			detail += fmt.Sprintf("\nVM log output:\n%s", strings.TrimSpace(string(logData)))
		}
		return fmt.Errorf("wait for VM boot: %w\n%s", err, detail)
	}
	return nil
}

// setupGuest links the canonical guest paths onto the VirtioFS shares and
// exports the allocated ports to the agent's environment file.
func (a *Adapter) setupGuest(ctx context.Context, inst backend.Instance, name string) error {
	script := strings.Join(guestSetupCmds(inst), " && ")
	if _, err := a.runTart(ctx, "exec", name, "bash", "-c", script); err != nil {
		return fmt.Errorf("guest setup: %w", err)
	}
	return nil
}

// Stop performs the two-phase shutdown: tart stop, bounded wait, then
// SIGKILL of the tart run process.
func (a *Adapter) Stop(ctx context.Context, inst backend.Instance, timeout time.Duration) error {
	name := backend.InstanceName(inst.Name)
	if !a.isRunning(ctx, name) {
		return nil
	}

	_, _ = a.runTart(ctx, "stop", name)

	err := backend.Poll(ctx, time.Second, timeout, func(ctx context.Context) (bool, error) {
		return !a.isRunning(ctx, name), nil
	})
	if err == nil {
		return nil
	}

	a.logger.Warn("vm survived graceful stop, killing", "instance", inst.Name)
	a.killByPID(filepath.Dir(inst.CodeRoot))
	a.killStrays(ctx, name)
	return nil
}

// Exec runs a command inside the VM. A non-zero exit is reported through
// the result, not the error.
func (a *Adapter) Exec(ctx context.Context, inst backend.Instance, cmd []string) (backend.ExecResult, error) {
	name := backend.InstanceName(inst.Name)
	if !a.isRunning(ctx, name) {
		return backend.ExecResult{}, backend.ErrNotRunning
	}

	args := append([]string{"exec", name}, cmd...)
	c := exec.CommandContext(ctx, a.tartBin, args...) //nolint:gosec // G204: name and cmd come from validated instance state
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return backend.ExecResult{}, fmt.Errorf("exec in VM: %w", err)
		}
	}

	return backend.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

// InteractiveExec attaches the caller's terminal to a command inside the
// VM.
func (a *Adapter) InteractiveExec(ctx context.Context, inst backend.Instance, cmd []string) error {
	return a.interactive(ctx, backend.InstanceName(inst.Name), cmd)
}

// CopyIn places a host directory at a sandbox path. The instance roots
// are VirtioFS shares linked into place at boot; other paths are streamed
// in as a tar archive over tart exec.
func (a *Adapter) CopyIn(ctx context.Context, inst backend.Instance, hostPath, sandboxPath string) error {
	switch hostPath {
	case inst.CodeRoot, inst.StateRoot, inst.SecretsShareRoot, inst.SnapshotRoot:
		return nil
	}

	name := backend.InstanceName(inst.Name)
	if !a.isRunning(ctx, name) {
		return backend.ErrNotRunning
	}

	archive, err := backend.TarDirectory(hostPath)
	if err != nil {
		return fmt.Errorf("archive %s: %w", hostPath, err)
	}

	script := fmt.Sprintf("mkdir -p %q && tar -C %q -xf -", sandboxPath, sandboxPath)
	c := exec.CommandContext(ctx, a.tartBin, "exec", name, "bash", "-c", script) //nolint:gosec // G204
	c.Stdin = archive
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("copy into VM: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// IsAlive reports whether the VM answers exec.
func (a *Adapter) IsAlive(ctx context.Context, inst backend.Instance) bool {
	name := backend.InstanceName(inst.Name)
	if !a.isRunning(ctx, name) {
		return false
	}
	probe := exec.CommandContext(ctx, a.tartBin, "exec", name, "true") //nolint:gosec // G204
	return probe.Run() == nil
}

// Remove stops and deletes the cloned VM along with the PID file.
func (a *Adapter) Remove(ctx context.Context, inst backend.Instance) error {
	name := backend.InstanceName(inst.Name)
	_ = a.Stop(ctx, inst, backend.GracefulStopTimeout)

	if a.vmExists(ctx, name) {
		if _, err := a.runTart(ctx, "delete", name); err != nil {
			return fmt.Errorf("delete VM: %w", err)
		}
	}
	_ = os.Remove(filepath.Join(filepath.Dir(inst.CodeRoot), pidFileName))
	return nil
}

// Close is a no-op: tart holds no persistent connection.
func (a *Adapter) Close() error { return nil }

// runArgs builds the tart run invocation: headless, roots shared, ports
// exposed through softnet.
func runArgs(inst backend.Instance, name string) []string {
	args := []string{"run", "--no-graphics"}
	for _, share := range []struct {
		tag  string
		path string
	}{
		{"code", inst.CodeRoot},
		{"state", inst.StateRoot},
		{"secrets", inst.SecretsShareRoot},
		{"snapshots", inst.SnapshotRoot},
	} {
		if share.path == "" {
			continue
		}
		args = append(args, "--dir", fmt.Sprintf("%s:%s", share.tag, share.path))
	}

	if pairs := portForwardPairs(inst); len(pairs) > 0 {
		args = append(args, "--net-softnet", "--net-softnet-expose="+strings.Join(pairs, ","))
	}
	return append(args, name)
}

func portForwardPairs(inst backend.Instance) []string {
	var pairs []string
	for _, p := range []int{inst.GatewayPort, inst.ControllerPort} {
		if p == 0 {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%d:%d", p, p))
	}
	return pairs
}

// guestSetupCmds links the canonical guest paths onto the VirtioFS shares
// and writes the agent's port environment.
func guestSetupCmds(inst backend.Instance) []string {
	cmds := []string{fmt.Sprintf("sudo mkdir -p %q", filepath.Dir(backend.GuestCodeDir))}
	for _, link := range []struct {
		tag    string
		target string
	}{
		{"code", backend.GuestCodeDir},
		{"state", backend.GuestStateDir},
		{"secrets", backend.GuestSecretsDir},
		{"snapshots", backend.GuestSnapshotDir},
	} {
		share := filepath.Join(sharedDirVMPath, link.tag)
		cmds = append(cmds, fmt.Sprintf("sudo ln -sfn %q %q", share, link.target))
	}
	cmds = append(cmds, fmt.Sprintf(
		"printf 'WARDEN_GATEWAY_PORT=%d\\nWARDEN_CONTROLLER_PORT=%d\\n' | sudo tee /etc/warden-env >/dev/null",
		inst.GatewayPort, inst.ControllerPort))
	return cmds
}

// runTart executes a tart command and returns trimmed stdout.
func (a *Adapter) runTart(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.tartBin, args...) //nolint:gosec // G204: args are constructed internally
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", mapTartError(err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (a *Adapter) vmExists(ctx context.Context, name string) bool {
	return a.listed(ctx, name, "list", "--quiet")
}

func (a *Adapter) isRunning(ctx context.Context, name string) bool {
	return a.listed(ctx, name, "list", "--quiet", "--state", "running")
}

func (a *Adapter) listed(ctx context.Context, name string, args ...string) bool {
	out, err := a.runTart(ctx, args...)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

// killByPID reads the PID file and kills the tart run process.
func (a *Adapter) killByPID(instanceRoot string) {
	pidPath := filepath.Join(instanceRoot, pidFileName)
	data, err := os.ReadFile(pidPath) //nolint:gosec // G304: path within the instance directory
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return
	}
	if proc, findErr := os.FindProcess(pid); findErr == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	_ = os.Remove(pidPath)
}

// killStrays terminates any leftover tart run processes for the VM.
func (a *Adapter) killStrays(ctx context.Context, name string) {
	pgrepCmd := exec.CommandContext(ctx, "pgrep", "-f", fmt.Sprintf("tart run.*%s", name)) //nolint:gosec // G204: name is from validated instance state
	out, err := pgrepCmd.Output()
	if err != nil {
		return // no matching processes
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		if proc, findErr := os.FindProcess(pid); findErr == nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}
}

// mapTartError maps tart CLI errors to backend sentinel errors.
func mapTartError(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "no such"):
		return backend.ErrNotFound
	case strings.Contains(lower, "not running"),
		strings.Contains(lower, "is stopped"):
		return backend.ErrNotRunning
	default:
		if stderr != "" {
			return fmt.Errorf("%w: %s", err, stderr)
		}
		return err
	}
}
