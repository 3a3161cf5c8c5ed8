package killswitch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/instance"
)

type stopOnlyBackend struct {
	backend.Backend

	stopFn  func(ctx context.Context, inst backend.Instance, timeout time.Duration) error
	stopped []string
}

func (b *stopOnlyBackend) Close() error { return nil }

func (b *stopOnlyBackend) Stop(ctx context.Context, inst backend.Instance, timeout time.Duration) error {
	b.stopped = append(b.stopped, inst.Name)
	if b.stopFn != nil {
		return b.stopFn(ctx, inst, timeout)
	}
	return nil
}

type tablesMock struct {
	cleared  []string
	appended [][]string
	policies map[string]string
	failOn   string
}

func (m *tablesMock) ClearChain(_, chain string) error {
	if chain == m.failOn {
		return errors.New("iptables: permission denied")
	}
	m.cleared = append(m.cleared, chain)
	return nil
}

func (m *tablesMock) AppendUnique(_, chain string, rulespec ...string) error {
	m.appended = append(m.appended, append([]string{chain}, rulespec...))
	return nil
}

func (m *tablesMock) ChangePolicy(_, chain, target string) error {
	if m.policies == nil {
		m.policies = map[string]string{}
	}
	m.policies[chain] = target
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSwitch(t *testing.T, be backend.Backend) (*Switch, *tablesMock) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	ipt := &tablesMock{}
	s := &Switch{
		OpenBackend: func(context.Context, string) (backend.Backend, error) {
			return be, nil
		},
		Logger:    discardLogger(),
		newTables: func() (tables, error) { return ipt, nil },
		saveRules: func(context.Context) ([]byte, error) {
			return []byte("*filter\n:INPUT ACCEPT\nCOMMIT\n"), nil
		},
		loadRules:  func(context.Context, []byte) error { return nil },
		rulesStore: instance.BaseDir(),
	}
	return s, ipt
}

func registerInstance(t *testing.T, name string) {
	t.Helper()
	_, err := instance.Create(instance.CreateOptions{
		Name:           name,
		Backend:        backend.VariantNone,
		GatewayPort:    18789,
		ControllerPort: 8080,
		Version:        "test",
	})
	require.NoError(t, err)
}

func TestLock_StopsInstancesAndDropsTraffic(t *testing.T) {
	be := &stopOnlyBackend{}
	s, ipt := testSwitch(t, be)
	registerInstance(t, "bot1")
	registerInstance(t, "bot2")

	require.NoError(t, s.Lock(context.Background()))

	assert.ElementsMatch(t, []string{"bot1", "bot2"}, be.stopped)
	assert.Equal(t, []string{"INPUT", "OUTPUT", "FORWARD"}, ipt.cleared)
	assert.Equal(t, "DROP", ipt.policies["INPUT"])
	assert.Equal(t, "DROP", ipt.policies["OUTPUT"])
	assert.Equal(t, "DROP", ipt.policies["FORWARD"])
	assert.True(t, s.Locked())

	// Loopback and established flows stay open.
	assert.Contains(t, ipt.appended, []string{"INPUT", "-i", "lo", "-j", "ACCEPT"})
	assert.Contains(t, ipt.appended, []string{"OUTPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"})
}

func TestLock_ContinuesPastStuckBackend(t *testing.T) {
	be := &stopOnlyBackend{}
	be.stopFn = func(_ context.Context, inst backend.Instance, _ time.Duration) error {
		if inst.Name == "bot1" {
			return errors.New("container wedged")
		}
		return nil
	}
	s, ipt := testSwitch(t, be)
	registerInstance(t, "bot1")
	registerInstance(t, "bot2")

	require.NoError(t, s.Lock(context.Background()))

	assert.ElementsMatch(t, []string{"bot1", "bot2"}, be.stopped)
	assert.Equal(t, "DROP", ipt.policies["INPUT"], "lockdown proceeds past a wedged sandbox")
}

func TestLock_IsIdempotent(t *testing.T) {
	s, _ := testSwitch(t, &stopOnlyBackend{})

	saves := 0
	s.saveRules = func(context.Context) ([]byte, error) {
		saves++
		return []byte("original rules"), nil
	}

	require.NoError(t, s.Lock(context.Background()))
	require.NoError(t, s.Lock(context.Background()))

	assert.Equal(t, 1, saves, "second lock must not overwrite the saved rules")
	data, err := os.ReadFile(s.rulesPath())
	require.NoError(t, err)
	assert.Equal(t, "original rules", string(data))
}

func TestRestore_ReplaysSavedRules(t *testing.T) {
	s, _ := testSwitch(t, &stopOnlyBackend{})

	var restored []byte
	s.saveRules = func(context.Context) ([]byte, error) { return []byte("pre-lock rules"), nil }
	s.loadRules = func(_ context.Context, rules []byte) error {
		restored = rules
		return nil
	}

	require.NoError(t, s.Lock(context.Background()))
	require.NoError(t, s.Restore(context.Background()))

	assert.Equal(t, "pre-lock rules", string(restored))
	assert.False(t, s.Locked())
	_, err := os.Stat(s.rulesPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRestore_WithoutLockIsNoop(t *testing.T) {
	s, _ := testSwitch(t, &stopOnlyBackend{})

	called := false
	s.loadRules = func(context.Context, []byte) error {
		called = true
		return nil
	}

	require.NoError(t, s.Restore(context.Background()))
	assert.False(t, called)
}

func TestRestore_FailedReplayKeepsLockEngaged(t *testing.T) {
	s, _ := testSwitch(t, &stopOnlyBackend{})
	s.loadRules = func(context.Context, []byte) error {
		return errors.New("iptables-restore: permission denied")
	}

	require.NoError(t, s.Lock(context.Background()))
	require.Error(t, s.Restore(context.Background()))
	assert.True(t, s.Locked(), "a failed replay must stay recoverable")
}
