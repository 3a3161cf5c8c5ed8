// Package microvm implements the backend contract for the microVM-in-VM
// variant: a firecracker process inside the full VM, driven entirely
// through the VM's exec surface.
// ABOUTME: Composes over the vm backend. Writes the firecracker config
// ABOUTME: into the guest, launches the process detached, probes its API
// ABOUTME: socket, and reaches the microVM workload over ssh.
package microvm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/backend"
)

const (
	// runDir inside the outer VM holds the firecracker artifacts.
	runDir = "/var/lib/warden/microvm"

	kernelFile = "vmlinux"
	rootfsFile = "rootfs.ext4"
	configFile = "firecracker-config.json"
	apiSocket  = "firecracker.sock"
	pidFile    = "firecracker.pid"
	logFile    = "firecracker.log"

	// guestAddr is the microVM's static address on the tap network the
	// rootfs image configures at boot.
	guestAddr = "172.16.0.2"

	// apiBootTimeout bounds the wait for the firecracker API socket;
	// sshBootTimeout bounds the wait for the workload guest to answer.
	apiBootTimeout = 30 * time.Second
	sshBootTimeout = 90 * time.Second

	bootPollInterval = time.Second
)

// Adapter implements backend.Backend by nesting a firecracker microVM
// inside a vm-variant sandbox.
type Adapter struct {
	outer  backend.Backend
	logger *slog.Logger
}

// Compile-time check.
var _ backend.Backend = (*Adapter)(nil)

// New wraps a vm-variant backend. Any other variant is rejected: the
// microVM depends on the outer VM's exec surface and KVM passthrough.
func New(outer backend.Backend, logger *slog.Logger) (*Adapter, error) {
	if outer.Variant() != backend.VariantVM {
		return nil, fmt.Errorf("microvm backend requires the vm variant underneath, got %q", outer.Variant())
	}
	return &Adapter{outer: outer, logger: logger}, nil
}

// Variant returns the backend variant name.
func (a *Adapter) Variant() string { return backend.VariantMicroVM }

// Start boots the outer VM, launches firecracker inside it, and waits for
// the workload guest to answer over ssh.
func (a *Adapter) Start(ctx context.Context, inst backend.Instance) error {
	if err := a.outer.Start(ctx, inst); err != nil {
		return fmt.Errorf("start outer VM: %w", err)
	}

	if a.microVMRunning(ctx, inst) {
		return nil
	}

	if err := a.checkGuestArtifacts(ctx, inst); err != nil {
		return err
	}
	if err := a.writeConfig(ctx, inst); err != nil {
		return err
	}
	if err := a.launch(ctx, inst); err != nil {
		return err
	}

	err := backend.Poll(ctx, bootPollInterval, sshBootTimeout, func(ctx context.Context) (bool, error) {
		res, execErr := a.sshExec(ctx, inst, "true")
		if execErr != nil {
			return false, execErr
		}
		return res.ExitCode == 0, nil
	})
	if err != nil {
		return fmt.Errorf("wait for microVM guest: %w", err)
	}
	a.logger.Info("microvm up", "instance", inst.Name)
	return nil
}

// checkGuestArtifacts verifies the base image shipped a kernel and rootfs
// for the microVM.
func (a *Adapter) checkGuestArtifacts(ctx context.Context, inst backend.Instance) error {
	for _, name := range []string{kernelFile, rootfsFile} {
		res, err := a.outer.Exec(ctx, inst, []string{"test", "-f", path.Join(runDir, name)})
		if err != nil {
			return fmt.Errorf("probe %s: %w", name, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("microvm artifact %s missing in VM image %s", path.Join(runDir, name), inst.ImageRef)
		}
	}
	return nil
}

// writeConfig renders the firecracker config host-side and places it in
// the guest run directory. Base64 transport avoids shell quoting of the
// JSON body.
func (a *Adapter) writeConfig(ctx context.Context, inst backend.Instance) error {
	cfg := firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: path.Join(runDir, kernelFile),
			BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off",
		},
		Drives: []drive{{
			DriveID:      "rootfs",
			PathOnHost:   path.Join(runDir, rootfsFile),
			IsRootDevice: true,
		}},
		MachineConfig: machineConfig{VCPUCount: 2, MemSizeMiB: 1024},
	}

	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode firecracker config: %w", err)
	}

	script := fmt.Sprintf("printf %%s %s | base64 -d > %s",
		base64.StdEncoding.EncodeToString(body), path.Join(runDir, configFile))
	res, err := a.outer.Exec(ctx, inst, []string{"sh", "-c", script})
	if err != nil {
		return fmt.Errorf("write firecracker config: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write firecracker config: %s", res.Stderr)
	}
	return nil
}

// launch starts firecracker detached inside the VM and waits for its API
// socket to answer.
func (a *Adapter) launch(ctx context.Context, inst backend.Instance) error {
	script := fmt.Sprintf(
		"rm -f %[1]s/%[2]s && nohup firecracker --api-sock %[1]s/%[2]s --config-file %[1]s/%[3]s > %[1]s/%[4]s 2>&1 & echo $! > %[1]s/%[5]s",
		runDir, apiSocket, configFile, logFile, pidFile)
	res, err := a.outer.Exec(ctx, inst, []string{"sh", "-c", script})
	if err != nil {
		return fmt.Errorf("launch firecracker: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("launch firecracker: %s", res.Stderr)
	}

	err = backend.Poll(ctx, bootPollInterval, apiBootTimeout, func(ctx context.Context) (bool, error) {
		return a.apiResponds(ctx, inst), nil
	})
	if err != nil {
		detail, _ := a.outer.Exec(ctx, inst, []string{"sh", "-c", "tail -20 " + path.Join(runDir, logFile)})
		return fmt.Errorf("firecracker api socket did not come up: %w\n%s", err, detail.Stdout)
	}
	return nil
}

// Stop performs the two-phase shutdown of the microVM, then stops the
// outer VM with the same timeout.
func (a *Adapter) Stop(ctx context.Context, inst backend.Instance, timeout time.Duration) error {
	if a.microVMRunning(ctx, inst) {
		// Graceful: Ctrl-Alt-Del through the firecracker API triggers an
		// orderly guest shutdown, after which the process exits.
		_, _ = a.outer.Exec(ctx, inst, []string{"sh", "-c", fmt.Sprintf(
			`curl -s --unix-socket %s -X PUT http://localhost/actions -H 'Content-Type: application/json' -d '{"action_type": "SendCtrlAltDel"}'`,
			path.Join(runDir, apiSocket))})

		err := backend.Poll(ctx, bootPollInterval, timeout, func(ctx context.Context) (bool, error) {
			return !a.processRunning(ctx, inst), nil
		})
		if err != nil {
			a.logger.Warn("microvm survived graceful stop, killing", "instance", inst.Name)
			_, _ = a.outer.Exec(ctx, inst, []string{"sh", "-c",
				fmt.Sprintf("kill -9 $(cat %s) 2>/dev/null", path.Join(runDir, pidFile))})
		}
	}
	return a.outer.Stop(ctx, inst, timeout)
}

// Exec runs a command inside the microVM workload guest over ssh.
func (a *Adapter) Exec(ctx context.Context, inst backend.Instance, cmd []string) (backend.ExecResult, error) {
	if !a.IsAlive(ctx, inst) {
		return backend.ExecResult{}, backend.ErrNotRunning
	}
	return a.sshExec(ctx, inst, shellJoin(cmd))
}

// CopyIn stages the payload in the outer VM, then relays it into the
// microVM over ssh as a tar stream.
func (a *Adapter) CopyIn(ctx context.Context, inst backend.Instance, hostPath, sandboxPath string) error {
	stage := path.Join(runDir, "stage", path.Base(sandboxPath))
	if err := a.outer.CopyIn(ctx, inst, hostPath, stage); err != nil {
		return fmt.Errorf("stage in outer VM: %w", err)
	}

	// Roots are shared into the outer VM, not copied; resolve the staged
	// source accordingly.
	source := stage
	switch hostPath {
	case inst.CodeRoot:
		source = backend.GuestCodeDir
	case inst.StateRoot:
		source = backend.GuestStateDir
	case inst.SecretsShareRoot:
		source = backend.GuestSecretsDir
	case inst.SnapshotRoot:
		source = backend.GuestSnapshotDir
	}

	script := fmt.Sprintf("tar -C %q -cf - . | %s %q",
		source, sshCommand(), fmt.Sprintf("mkdir -p %q && tar -C %q -xf -", sandboxPath, sandboxPath))
	res, err := a.outer.Exec(ctx, inst, []string{"sh", "-c", script})
	if err != nil {
		return fmt.Errorf("copy into microVM: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("copy into microVM: %s", res.Stderr)
	}
	return nil
}

// IsAlive reports whether the firecracker process is up and the workload
// guest answers.
func (a *Adapter) IsAlive(ctx context.Context, inst backend.Instance) bool {
	if !a.microVMRunning(ctx, inst) {
		return false
	}
	res, err := a.sshExec(ctx, inst, "true")
	return err == nil && res.ExitCode == 0
}

// Close releases the outer backend.
func (a *Adapter) Close() error {
	return a.outer.Close()
}

func (a *Adapter) microVMRunning(ctx context.Context, inst backend.Instance) bool {
	return a.outer.IsAlive(ctx, inst) && a.apiResponds(ctx, inst) && a.processRunning(ctx, inst)
}

func (a *Adapter) apiResponds(ctx context.Context, inst backend.Instance) bool {
	res, err := a.outer.Exec(ctx, inst, []string{"sh", "-c",
		"curl -s --unix-socket " + path.Join(runDir, apiSocket) + " http://localhost/"})
	return err == nil && res.ExitCode == 0
}

func (a *Adapter) processRunning(ctx context.Context, inst backend.Instance) bool {
	res, err := a.outer.Exec(ctx, inst, []string{"sh", "-c",
		fmt.Sprintf("kill -0 $(cat %s) 2>/dev/null", path.Join(runDir, pidFile))})
	return err == nil && res.ExitCode == 0
}

// sshExec runs a shell command string inside the microVM guest via the
// outer VM.
func (a *Adapter) sshExec(ctx context.Context, inst backend.Instance, script string) (backend.ExecResult, error) {
	return a.outer.Exec(ctx, inst, []string{"sh", "-c", sshCommand() + " " + shellQuote(script)})
}

// sshCommand is the non-interactive ssh invocation into the workload
// guest.
func sshCommand() string {
	return "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o ConnectTimeout=5 root@" + guestAddr
}

// shellJoin quotes each argument for safe transport through two shell
// layers.
func shellJoin(cmd []string) string {
	quoted := make([]string, len(cmd))
	for i, c := range cmd {
		quoted[i] = shellQuote(c)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Firecracker machine configuration, subset the adapter drives.
type firecrackerConfig struct {
	BootSource    bootSource    `json:"boot-source"`
	Drives        []drive       `json:"drives"`
	MachineConfig machineConfig `json:"machine-config"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}
