// Package lifecycle drives instances through their state machine:
// Stopped → Starting → Running → Stopping → Stopped, with Error reachable
// from any transition.
// ABOUTME: Serializes operations per instance with named locks; distinct
// ABOUTME: instances proceed concurrently. Composes the backend, sync
// ABOUTME: engine, and snapshot manager into start/stop/restart/rebuild.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/instance"
	"github.com/wardenhq/warden/internal/snapshot"
	"github.com/wardenhq/warden/internal/syncer"
)

// State is an instance's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"

	// StateUnknown is reported when the instance's backend cannot be
	// reached to answer a liveness check.
	StateUnknown State = "unknown"
)

// ErrInstanceRunning is returned by operations that require a stopped
// instance.
var ErrInstanceRunning = errors.New("instance is running")

// startupTimeout bounds the liveness poll after a backend start.
const startupTimeout = 90 * time.Second

// Manager owns lifecycle transitions for all instances on this host.
type Manager struct {
	Backend   backend.Backend
	Engine    *syncer.Engine
	Snapshots *snapshot.Manager
	Logger    *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State
}

// NewManager wires a Manager over a backend and the sync and snapshot
// layers that share it.
func NewManager(be backend.Backend, engine *syncer.Engine, snapshots *snapshot.Manager, logger *slog.Logger) *Manager {
	return &Manager{
		Backend:   be,
		Engine:    engine,
		Snapshots: snapshots,
		Logger:    logger,
		locks:     map[string]*sync.Mutex{},
		states:    map[string]State{},
	}
}

// lockFor returns the per-instance mutex, creating it on first use.
// Operations on one instance are serialized; operations on distinct
// instances are not.
func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[name] = l
	return l
}

func (m *Manager) setState(name string, s State) {
	m.mu.Lock()
	m.states[name] = s
	m.mu.Unlock()
}

// Start brings an instance to Running: sync, install if needed, backend
// start, then a bounded liveness poll.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.start(ctx, name, false)
}

// Rebuild restarts an instance forcing a clean dependency reinstall.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.start(ctx, name, true)
}

func (m *Manager) start(ctx context.Context, name string, forceInstall bool) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	inst, err := instance.Load(name)
	if err != nil {
		return err
	}
	binst := inst.BackendInstance()

	m.setState(name, StateStarting)
	if err := m.startLocked(ctx, inst, binst, forceInstall); err != nil {
		m.setState(name, StateError)
		return err
	}
	m.setState(name, StateRunning)
	m.Logger.Info("instance running", "instance", name)
	return nil
}

func (m *Manager) startLocked(ctx context.Context, inst *instance.Instance, binst backend.Instance, forceInstall bool) error {
	if err := m.Backend.Start(ctx, binst); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	plan := syncer.BuildPlan(binst, inst.Meta.SourceDir)
	if forceInstall {
		if err := m.Engine.Invalidate(ctx, binst); err != nil {
			return fmt.Errorf("invalidate build cache: %w", err)
		}
	}
	if _, err := m.Engine.Sync(ctx, binst, plan, forceInstall); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	err := backend.Poll(ctx, time.Second, startupTimeout, func(ctx context.Context) (bool, error) {
		return m.Backend.IsAlive(ctx, binst), nil
	})
	if err != nil {
		return fmt.Errorf("instance did not become healthy: %w", err)
	}
	return nil
}

// Stop brings an instance to Stopped: pull sandbox-side snapshots home,
// then run the backend's two-phase shutdown. Stopping a stopped instance
// is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	inst, err := instance.Load(name)
	if err != nil {
		return err
	}
	binst := inst.BackendInstance()

	m.setState(name, StateStopping)

	// Loss prevention before teardown. Best-effort: a dead backend has
	// nothing to pull.
	if err := m.Snapshots.Pull(ctx, m.Backend, binst); err != nil {
		m.Logger.Warn("snapshot pull before stop failed", "instance", name, "error", err)
	}

	if err := m.Backend.Stop(ctx, binst, backend.GracefulStopTimeout); err != nil {
		m.setState(name, StateError)
		return fmt.Errorf("stop backend: %w", err)
	}
	m.setState(name, StateStopped)
	m.Logger.Info("instance stopped", "instance", name)
	return nil
}

// Restart stops then starts the instance under one lock acquisition per
// phase.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.Start(ctx, name)
}

// Status reports an instance's state. Transitional states are tracked in
// memory; at rest the backend's liveness probe decides.
func (m *Manager) Status(ctx context.Context, name string) (State, error) {
	inst, err := instance.Load(name)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	tracked, ok := m.states[name]
	m.mu.Unlock()
	if ok && (tracked == StateStarting || tracked == StateStopping || tracked == StateError) {
		return tracked, nil
	}

	if m.Backend.IsAlive(ctx, inst.BackendInstance()) {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// RestoreSnapshot restores an instance's state directory from an archive.
// A running instance is refused outright, before any filesystem change.
func (m *Manager) RestoreSnapshot(ctx context.Context, name, idOrLatest string) (snapshot.RestoreResult, error) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	inst, err := instance.Load(name)
	if err != nil {
		return snapshot.RestoreResult{}, err
	}
	binst := inst.BackendInstance()

	if m.Backend.IsAlive(ctx, binst) {
		return snapshot.RestoreResult{}, fmt.Errorf("%w: stop %s before restoring a snapshot", ErrInstanceRunning, name)
	}
	return m.Snapshots.Restore(binst, idOrLatest)
}

// Destroy stops the instance, removes its sandbox resources, and deletes
// the instance directory.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	inst, err := instance.Load(name)
	if err != nil {
		return err
	}
	binst := inst.BackendInstance()

	if err := m.Backend.Stop(ctx, binst, backend.GracefulStopTimeout); err != nil {
		m.Logger.Warn("stop before destroy failed", "instance", name, "error", err)
	}
	if remover, ok := m.Backend.(backend.Remover); ok {
		if err := remover.Remove(ctx, binst); err != nil {
			return fmt.Errorf("remove sandbox: %w", err)
		}
	}

	if err := instance.Destroy(name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, name)
	m.mu.Unlock()
	return nil
}
