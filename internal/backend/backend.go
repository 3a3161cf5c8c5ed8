// Package backend defines the pluggable Backend interface for instance
// isolation variants.
// ABOUTME: Backend-agnostic types decouple lifecycle logic from any one
// ABOUTME: isolation technology (container, nested container, VM, microVM).
package backend

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors used across all backend implementations.
var (
	ErrNotFound    = errors.New("instance not found")
	ErrNotRunning  = errors.New("instance not running")
	ErrUnreachable = errors.New("backend unreachable")
)

// Variant names. Selection is immutable configuration per instance,
// read once at provisioning time.
const (
	VariantNone    = "none"
	VariantNested  = "nested"
	VariantVM      = "vm"
	VariantMicroVM = "microvm"
)

// KnownVariants lists valid backend variant names for validation and help text.
var KnownVariants = []string{VariantNone, VariantNested, VariantVM, VariantMicroVM}

// Instance is the backend-facing view of an instance: identity, allocated
// ports, and host-side filesystem roots. Backends must not reach outside
// these paths.
type Instance struct {
	Name           string
	GatewayPort    int
	ControllerPort int

	CodeRoot         string // synced source, host side
	StateRoot        string // sandbox-authoritative runtime data
	SecretsRoot      string // privileged secret files, host-only
	SecretsShareRoot string // sandbox-visible secrets, mirrored minus the identity key
	SnapshotRoot     string // encrypted archives + latest pointer

	// ImageRef is the container image (none/nested) or base VM name
	// (vm/microvm) the instance was provisioned from.
	ImageRef string
}

// ExecResult holds the output of a non-interactive command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Backend is the isolation contract. All four variants satisfy it even
// though their underlying mechanics differ. Implementations must be safe
// to call on instances that have never been started: IsAlive reports
// false, Stop returns nil.
type Backend interface {
	// Variant returns the configured variant name.
	Variant() string

	// Start brings the instance's sandbox up. It ensures the underlying
	// runtime exists (creating it from ImageRef if needed) and blocks
	// until the sandbox answers a liveness probe or ctx expires.
	Start(ctx context.Context, inst Instance) error

	// Stop shuts the sandbox down: graceful signal first, then forceful
	// termination once timeout elapses. Two-phase shutdown is mandatory
	// for every variant. Returns nil if already stopped.
	Stop(ctx context.Context, inst Instance, timeout time.Duration) error

	// Exec runs a command inside the running sandbox and returns its
	// output and exit code. Returns ErrNotRunning if the sandbox is down.
	Exec(ctx context.Context, inst Instance, cmd []string) (ExecResult, error)

	// CopyIn copies a host file or directory into the sandbox filesystem.
	CopyIn(ctx context.Context, inst Instance, hostPath, sandboxPath string) error

	// IsAlive reports whether the sandbox is up. It never errors: a
	// backend that has never been started reports false.
	IsAlive(ctx context.Context, inst Instance) bool

	// Close releases any resources held by the backend handle.
	Close() error
}

// Remover is satisfied by backends that can delete the sandbox resource
// itself (container, cloned VM). Destroy checks for it before removing
// the instance directory.
type Remover interface {
	Remove(ctx context.Context, inst Instance) error
}

// InteractiveExecer is satisfied by backends that can attach the calling
// terminal to a command inside the sandbox.
type InteractiveExecer interface {
	InteractiveExec(ctx context.Context, inst Instance, cmd []string) error
}

// InstanceName returns the runtime-side resource name for an instance
// (container name, VM name, microVM id).
func InstanceName(name string) string {
	return "warden-" + name
}

// Guest-side layout. Container variants bind-mount the host roots onto
// these paths; VM variants receive files here via CopyIn. Identical across
// variants so nothing above the adapter needs to know which one is active.
const (
	GuestCodeDir     = "/var/lib/warden/code"
	GuestStateDir    = "/var/lib/warden/state"
	GuestSecretsDir  = "/var/lib/warden/secrets"
	GuestSnapshotDir = "/var/lib/warden/snapshots"
)

// GracefulStopTimeout is the default bound on the graceful half of the
// two-phase stop before escalation.
const GracefulStopTimeout = 20 * time.Second
