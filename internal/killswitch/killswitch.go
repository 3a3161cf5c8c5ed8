package killswitch

// ABOUTME: Global emergency stop: halts every registered instance and
// ABOUTME: locks the host network down to loopback and established flows.

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/coreos/go-iptables/iptables"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/instance"
)

const (
	rulesFileName  = "killswitch.rules"
	markerFileName = "killswitch.locked"

	// perInstanceStopTimeout bounds each backend's two-phase stop so a
	// single stuck sandbox cannot stall the network lockdown.
	perInstanceStopTimeout = 15 * time.Second

	// gracefulStopWindow is deliberately shorter than the lifecycle
	// manager's: the kill switch prefers dead over graceful.
	gracefulStopWindow = 5 * time.Second
)

// filterChains are locked down in order.
var filterChains = []string{"INPUT", "OUTPUT", "FORWARD"}

// tables is the slice of iptables operations the lockdown needs.
// *iptables.IPTables satisfies it.
type tables interface {
	ClearChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	ChangePolicy(table, chain, target string) error
}

var _ tables = (*iptables.IPTables)(nil)

// OpenBackendFunc resolves a variant name to a live backend adapter.
type OpenBackendFunc func(ctx context.Context, variant string) (backend.Backend, error)

// Switch is the process-wide kill switch. It talks to backends directly,
// bypassing per-instance lifecycle locks, so it can preempt an in-flight
// operation's shutdown.
type Switch struct {
	OpenBackend OpenBackendFunc
	Logger      *slog.Logger

	// Overridable in tests.
	newTables  func() (tables, error)
	saveRules  func(ctx context.Context) ([]byte, error)
	loadRules  func(ctx context.Context, rules []byte) error
	rulesStore string
}

// New returns a kill switch wired to the host's iptables binaries.
func New(open OpenBackendFunc, logger *slog.Logger) *Switch {
	return &Switch{
		OpenBackend: open,
		Logger:      logger,
		newTables: func() (tables, error) {
			return iptables.New()
		},
		saveRules: func(ctx context.Context) ([]byte, error) {
			result, err := backend.RunCmd(exec.CommandContext(ctx, "iptables-save", "-t", "filter"))
			if err != nil {
				return nil, err
			}
			return []byte(result.Stdout + "\n"), nil
		},
		loadRules: func(ctx context.Context, rules []byte) error {
			cmd := exec.CommandContext(ctx, "iptables-restore")
			cmd.Stdin = bytes.NewReader(rules)
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("iptables-restore: %w: %s", err, bytes.TrimSpace(out))
			}
			return nil
		},
		rulesStore: instance.BaseDir(),
	}
}

// Lock stops every registered instance best-effort, saves the current
// filter rules, and replaces them with a deny-all policy that admits only
// loopback and already-established connections. Locking twice is safe:
// the saved rules from the first lock are never overwritten.
func (s *Switch) Lock(ctx context.Context) error {
	s.stopAll(ctx)

	if !s.locked() {
		rules, err := s.saveRules(ctx)
		if err != nil {
			return fmt.Errorf("save filter rules: %w", err)
		}
		if err := os.MkdirAll(s.rulesStore, 0750); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
		if err := os.WriteFile(s.rulesPath(), rules, 0600); err != nil {
			return fmt.Errorf("store filter rules: %w", err)
		}
		if err := os.WriteFile(s.markerPath(), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0600); err != nil {
			return fmt.Errorf("write lock marker: %w", err)
		}
	} else {
		s.Logger.Info("kill switch already engaged, re-applying lockdown")
	}

	if err := s.applyLockdown(); err != nil {
		return err
	}
	s.Logger.Info("network locked down")
	return nil
}

// Restore reverses the network half of the lockdown by replaying the
// rules saved at lock time. Instances stay stopped; restarting them is a
// separate operator action. Restore without a prior Lock is a no-op.
func (s *Switch) Restore(ctx context.Context) error {
	if !s.locked() {
		s.Logger.Info("kill switch not engaged, nothing to restore")
		return nil
	}

	rules, err := os.ReadFile(s.rulesPath())
	if err != nil {
		return fmt.Errorf("read saved filter rules: %w", err)
	}
	if err := s.loadRules(ctx, rules); err != nil {
		return fmt.Errorf("restore filter rules: %w", err)
	}

	if err := os.Remove(s.markerPath()); err != nil {
		return fmt.Errorf("clear lock marker: %w", err)
	}
	_ = os.Remove(s.rulesPath())

	s.Logger.Info("network rules restored")
	return nil
}

// Locked reports whether the lockdown is currently engaged.
func (s *Switch) Locked() bool { return s.locked() }

// stopAll runs the two-phase stop against every registered instance,
// continuing past individual failures. The network boundary must close
// even if one sandbox is stuck. Backends are opened per variant so mixed
// deployments still stop everything.
func (s *Switch) stopAll(ctx context.Context) {
	names, err := instance.List()
	if err != nil {
		s.Logger.Warn("cannot list instances, locking network anyway", "error", err)
		return
	}

	backends := map[string]backend.Backend{}
	defer func() {
		for _, be := range backends {
			_ = be.Close()
		}
	}()

	for _, name := range names {
		inst, err := instance.Load(name)
		if err != nil {
			s.Logger.Warn("skipping instance", "instance", name, "error", err)
			continue
		}

		be, ok := backends[inst.Meta.Backend]
		if !ok {
			be, err = s.OpenBackend(ctx, inst.Meta.Backend)
			if err != nil {
				s.Logger.Warn("backend unreachable, skipping instance", "instance", name, "backend", inst.Meta.Backend, "error", err)
				continue
			}
			backends[inst.Meta.Backend] = be
		}

		stopCtx, cancel := context.WithTimeout(ctx, perInstanceStopTimeout)
		err = be.Stop(stopCtx, inst.BackendInstance(), gracefulStopWindow)
		cancel()
		if err != nil {
			s.Logger.Warn("instance would not stop", "instance", name, "error", err)
			continue
		}
		s.Logger.Info("instance stopped", "instance", name)
	}
}

func (s *Switch) applyLockdown() error {
	ipt, err := s.newTables()
	if err != nil {
		return fmt.Errorf("initialize iptables: %w", err)
	}

	for _, chain := range filterChains {
		if err := ipt.ClearChain("filter", chain); err != nil {
			return fmt.Errorf("flush %s: %w", chain, err)
		}
	}

	// Admit loopback and anything already established before the default
	// policies flip to DROP, so the operator's own session survives.
	allow := [][]string{
		{"INPUT", "-i", "lo", "-j", "ACCEPT"},
		{"OUTPUT", "-o", "lo", "-j", "ACCEPT"},
		{"INPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"OUTPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	for _, rule := range allow {
		if err := ipt.AppendUnique("filter", rule[0], rule[1:]...); err != nil {
			return fmt.Errorf("add %s allow rule: %w", rule[0], err)
		}
	}

	for _, chain := range filterChains {
		if err := ipt.ChangePolicy("filter", chain, "DROP"); err != nil {
			return fmt.Errorf("set %s policy: %w", chain, err)
		}
	}
	return nil
}

func (s *Switch) locked() bool {
	_, err := os.Stat(s.markerPath())
	return err == nil
}

func (s *Switch) rulesPath() string  { return filepath.Join(s.rulesStore, rulesFileName) }
func (s *Switch) markerPath() string { return filepath.Join(s.rulesStore, markerFileName) }
