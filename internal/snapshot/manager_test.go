package snapshot

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/backend"
)

// testInstance builds an instance layout under a temp dir with a keypair.
func testInstance(t *testing.T, withKeys bool) backend.Instance {
	t.Helper()
	root := t.TempDir()
	inst := backend.Instance{
		Name:         "bot1",
		CodeRoot:     filepath.Join(root, "code"),
		StateRoot:    filepath.Join(root, "state"),
		SecretsRoot:  filepath.Join(root, "secrets"),
		SnapshotRoot: filepath.Join(root, "snapshots"),
	}
	for _, dir := range []string{inst.CodeRoot, inst.StateRoot, inst.SnapshotRoot} {
		require.NoError(t, os.MkdirAll(dir, 0750))
	}
	require.NoError(t, os.MkdirAll(inst.SecretsRoot, 0700))
	if withKeys {
		require.NoError(t, Generate(inst.SecretsRoot))
	}
	return inst
}

func testManager(retention int) *Manager {
	mgr := NewManager(retention, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Deterministic, strictly increasing snapshot ids.
	next := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	mgr.Now = func() time.Time {
		next = next.Add(time.Second)
		return next
	}
	return mgr
}

func writeState(t *testing.T, stateRoot string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(stateRoot, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	}
}

func TestCreateRestore_RoundTrip(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(5)

	writeState(t, inst.StateRoot, map[string]string{
		"sessions/chat.json":             `{"history":[1,2,3]}`,
		"memory.db":                      "binary-ish\x00data",
		"node_modules/left-pad/index.js": "transient, excluded",
		"cache.tmp":                      "transient, excluded",
	})

	created, err := mgr.Create(inst)
	require.NoError(t, err)
	assert.True(t, created.Latest)
	assert.Positive(t, created.SizeBytes)

	// Mutate state, then restore latest.
	writeState(t, inst.StateRoot, map[string]string{"sessions/chat.json": "clobbered"})
	result, err := mgr.Restore(inst, "latest")
	require.NoError(t, err)
	assert.Equal(t, created.ID, result.ID)

	data, err := os.ReadFile(filepath.Join(inst.StateRoot, "sessions/chat.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"history":[1,2,3]}`, string(data))

	data, err = os.ReadFile(filepath.Join(inst.StateRoot, "memory.db"))
	require.NoError(t, err)
	assert.Equal(t, "binary-ish\x00data", string(data))

	// Transient paths were excluded from the archive.
	_, err = os.Stat(filepath.Join(inst.StateRoot, "node_modules"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(inst.StateRoot, "cache.tmp"))
	assert.True(t, os.IsNotExist(err))

	// The pre-restore state is preserved, not deleted.
	clobbered, err := os.ReadFile(filepath.Join(result.BackupPath, "sessions/chat.json"))
	require.NoError(t, err)
	assert.Equal(t, "clobbered", string(clobbered))
}

func TestCreate_MissingKeypair_WritesNothing(t *testing.T) {
	inst := testInstance(t, false)
	mgr := testManager(5)
	writeState(t, inst.StateRoot, map[string]string{"a.txt": "data"})

	_, err := mgr.Create(inst)
	require.ErrorIs(t, err, ErrMissingKeypair)

	entries, err := os.ReadDir(inst.SnapshotRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestore_MissingKeypair(t *testing.T) {
	inst := testInstance(t, false)
	mgr := testManager(5)

	_, err := mgr.Restore(inst, "latest")
	assert.ErrorIs(t, err, ErrMissingKeypair)
}

func TestRestore_CorruptArchive_LeavesStateUntouched(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(5)
	writeState(t, inst.StateRoot, map[string]string{"a.txt": "original"})

	created, err := mgr.Create(inst)
	require.NoError(t, err)

	// Truncate the archive: authenticated encryption must reject it.
	require.NoError(t, os.Truncate(created.Path, created.SizeBytes/2))

	_, err = mgr.Restore(inst, created.ID)
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(inst.StateRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRestore_UnknownID(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(5)

	_, err := mgr.Restore(inst, "19990101-000000")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestRestore_LatestWithoutSnapshots(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(5)

	_, err := mgr.Restore(inst, "latest")
	assert.ErrorIs(t, err, ErrNoSnapshots)
}

func TestList_NewestFirst(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(10)
	writeState(t, inst.StateRoot, map[string]string{"a.txt": "data"})

	var ids []string
	for range 3 {
		info, err := mgr.Create(inst)
		require.NoError(t, err)
		ids = append(ids, info.ID)
	}

	infos, err := mgr.List(inst)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, ids[2], infos[0].ID)
	assert.Equal(t, ids[0], infos[2].ID)
	assert.True(t, infos[0].Latest)
	assert.False(t, infos[1].Latest)
}

func TestPrune_RetentionAndLatest(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(2)
	writeState(t, inst.StateRoot, map[string]string{"a.txt": "data"})

	for range 5 {
		_, err := mgr.Create(inst)
		require.NoError(t, err)
	}

	// Create already applies retention.
	infos, err := mgr.List(inst)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	// Point latest at the oldest remaining snapshot; prune with a
	// retention of 1 must keep it anyway.
	oldest := infos[len(infos)-1]
	require.NoError(t, mgr.repointLatest(inst, oldest.ID))
	mgr.Retention = 1

	require.NoError(t, mgr.Prune(inst))

	infos, err = mgr.List(inst)
	require.NoError(t, err)
	found := false
	for _, info := range infos {
		if info.ID == oldest.ID {
			found = true
			assert.True(t, info.Latest)
		}
	}
	assert.True(t, found, "latest snapshot must survive pruning")
}

// pullMock is a minimal backend whose exec surface serves a fake guest
// snapshot directory.
type pullMock struct {
	alive bool
	files map[string][]byte
}

var _ backend.Backend = (*pullMock)(nil)

func (p *pullMock) Variant() string { return "vm" }
func (p *pullMock) Start(context.Context, backend.Instance) error {
	return nil
}
func (p *pullMock) Stop(context.Context, backend.Instance, time.Duration) error {
	return nil
}
func (p *pullMock) CopyIn(context.Context, backend.Instance, string, string) error {
	return nil
}
func (p *pullMock) IsAlive(context.Context, backend.Instance) bool { return p.alive }
func (p *pullMock) Close() error                                   { return nil }

func (p *pullMock) Exec(_ context.Context, _ backend.Instance, cmd []string) (backend.ExecResult, error) {
	script := cmd[len(cmd)-1]
	if script == "ls -1 "+backend.GuestSnapshotDir+" 2>/dev/null" {
		out := ""
		for name := range p.files {
			out += name + "\n"
		}
		return backend.ExecResult{Stdout: out}, nil
	}
	for name, data := range p.files {
		if script == "base64 < "+backend.GuestSnapshotDir+"/"+name {
			return backend.ExecResult{Stdout: base64.StdEncoding.EncodeToString(data)}, nil
		}
	}
	return backend.ExecResult{ExitCode: 1}, backend.ErrNotRunning
}

func TestPull_CopiesMissingArchives(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(5)

	guestArchive := archivePrefix + "20260830-090000" + archiveSuffix
	mock := &pullMock{
		alive: true,
		files: map[string][]byte{
			guestArchive: []byte("encrypted-blob"),
			"notes.txt":  []byte("ignored, not an archive"),
		},
	}

	require.NoError(t, mgr.Pull(context.Background(), mock, inst))

	data, err := os.ReadFile(filepath.Join(inst.SnapshotRoot, guestArchive))
	require.NoError(t, err)
	assert.Equal(t, "encrypted-blob", string(data))

	_, err = os.Stat(filepath.Join(inst.SnapshotRoot, "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestPull_DeadBackendIsNoop(t *testing.T) {
	inst := testInstance(t, true)
	mgr := testManager(5)

	mock := &pullMock{alive: false}
	require.NoError(t, mgr.Pull(context.Background(), mock, inst))
}

func TestGenerate_RefusesOverwrite(t *testing.T) {
	inst := testInstance(t, true)
	assert.ErrorIs(t, Generate(inst.SecretsRoot), ErrKeypairExists)
}

func TestKeypair_Permissions(t *testing.T) {
	inst := testInstance(t, true)

	identInfo, err := os.Stat(filepath.Join(inst.SecretsRoot, IdentityFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), identInfo.Mode().Perm())

	pubInfo, err := os.Stat(filepath.Join(inst.SecretsRoot, RecipientFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), pubInfo.Mode().Perm())
}
