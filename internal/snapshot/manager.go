package snapshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/backend"
)

// Archive naming. The id is the creation timestamp, so lexical order is
// creation order. The format suffix is part of the name so a future
// migrator can recognize old artifacts.
const (
	archivePrefix  = "state-"
	archiveSuffix  = ".tar.zst.age"
	latestFileName = "latest"
	idTimeFormat   = "20060102-150405"
	partialSuffix  = ".partial"
)

var (
	// ErrNoSnapshots is returned when "latest" is requested but no
	// snapshot has ever been created.
	ErrNoSnapshots = errors.New("no snapshots exist")

	// ErrSnapshotNotFound is returned for an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Info describes one snapshot, newest-first in listings.
type Info struct {
	ID        string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
	Latest    bool
}

// Manager owns snapshot operations for instances. Snapshots are immutable
// once written; only the latest pointer mutates.
type Manager struct {
	// Retention is the count-based policy: keep this many most recent
	// snapshots per instance.
	Retention int

	// Logger receives operational messages.
	Logger *slog.Logger

	// Now is a test seam; defaults to time.Now.
	Now func() time.Time
}

// NewManager creates a Manager with the given retention count.
func NewManager(retention int, logger *slog.Logger) *Manager {
	return &Manager{Retention: retention, Logger: logger, Now: time.Now}
}

// Create archives the instance's state directory (minus transient paths),
// encrypts it to the instance's public key, writes it under a timestamped
// name, atomically repoints latest, and applies the retention policy.
// A missing keypair is fatal: no archive file is written.
func (m *Manager) Create(inst backend.Instance) (Info, error) {
	recipient, err := LoadRecipient(inst.SecretsRoot)
	if err != nil {
		return Info{}, err
	}

	id := m.Now().UTC().Format(idTimeFormat)
	path := filepath.Join(inst.SnapshotRoot, archivePrefix+id+archiveSuffix)
	if _, err := os.Stat(path); err == nil {
		return Info{}, fmt.Errorf("snapshot %s already exists; retry in a second", id)
	}

	if err := os.MkdirAll(inst.SnapshotRoot, 0750); err != nil {
		return Info{}, fmt.Errorf("create snapshot directory: %w", err)
	}

	// Write to a partial file first so a crash mid-archive never leaves
	// something List would mistake for a complete snapshot.
	partial := path + partialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304: path within snapshot dir
	if err != nil {
		return Info{}, fmt.Errorf("create archive: %w", err)
	}

	if err := writeArchive(f, inst.StateRoot, recipient); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("archive state: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("finalize archive: %w", err)
	}

	if err := m.repointLatest(inst, id); err != nil {
		return Info{}, err
	}

	if err := m.Prune(inst); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat archive: %w", err)
	}

	m.Logger.Info("snapshot created", "instance", inst.Name, "id", id, "bytes", stat.Size())
	return Info{ID: id, Path: path, SizeBytes: stat.Size(), CreatedAt: parseID(id), Latest: true}, nil
}

// List returns the instance's snapshots newest-first, with size and
// latest-marker.
func (m *Manager) List(inst backend.Instance) ([]Info, error) {
	entries, err := os.ReadDir(inst.SnapshotRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}

	latestID, _ := m.latestID(inst)

	var infos []Info
	for _, entry := range entries {
		id, ok := parseArchiveName(entry.Name())
		if !ok {
			continue
		}
		fileInfo, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:        id,
			Path:      filepath.Join(inst.SnapshotRoot, entry.Name()),
			SizeBytes: fileInfo.Size(),
			CreatedAt: parseID(id),
			Latest:    id == latestID,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID > infos[j].ID })
	return infos, nil
}

// RestoreResult reports where the pre-restore state was preserved.
type RestoreResult struct {
	ID         string
	BackupPath string
}

// Restore decrypts and extracts the named snapshot (or "latest") into the
// instance's state directory. The previous state is preserved under a
// backup path, never deleted. A corrupt or undecryptable archive fails
// without touching the current state directory. The caller must ensure
// the instance is stopped.
func (m *Manager) Restore(inst backend.Instance, idOrLatest string) (RestoreResult, error) {
	identity, err := LoadIdentity(inst.SecretsRoot)
	if err != nil {
		return RestoreResult{}, err
	}

	id, path, err := m.resolve(inst, idOrLatest)
	if err != nil {
		return RestoreResult{}, err
	}

	f, err := os.Open(path) //nolint:gosec // G304: path within snapshot dir
	if err != nil {
		return RestoreResult{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	// Extract into a scratch directory first. Only a fully successful
	// extraction is swapped in, so decrypt failures cannot partially
	// overwrite live state.
	scratch := inst.StateRoot + ".restore-" + uuid.NewString()
	if err := os.MkdirAll(scratch, 0750); err != nil {
		return RestoreResult{}, fmt.Errorf("create scratch directory: %w", err)
	}

	if err := extractArchive(f, scratch, identity); err != nil {
		_ = os.RemoveAll(scratch)
		return RestoreResult{}, err
	}

	backupPath := inst.StateRoot + ".pre-restore-" + uuid.NewString()
	if err := os.Rename(inst.StateRoot, backupPath); err != nil {
		_ = os.RemoveAll(scratch)
		return RestoreResult{}, fmt.Errorf("preserve current state: %w", err)
	}
	if err := os.Rename(scratch, inst.StateRoot); err != nil {
		// Put the original back; the swap must be all-or-nothing.
		_ = os.Rename(backupPath, inst.StateRoot)
		_ = os.RemoveAll(scratch)
		return RestoreResult{}, fmt.Errorf("install restored state: %w", err)
	}

	m.Logger.Info("snapshot restored", "instance", inst.Name, "id", id, "backup", backupPath)
	return RestoreResult{ID: id, BackupPath: backupPath}, nil
}

// Prune deletes snapshots beyond the retention count, oldest first. The
// snapshot referenced by latest is never deleted, even when it is the
// oldest.
func (m *Manager) Prune(inst backend.Instance) error {
	infos, err := m.List(inst)
	if err != nil {
		return err
	}
	if len(infos) <= m.Retention {
		return nil
	}

	for _, info := range infos[m.Retention:] {
		if info.Latest {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", info.ID, err)
		}
		m.Logger.Info("snapshot pruned", "instance", inst.Name, "id", info.ID)
	}
	return nil
}

// Pull copies snapshot archives from sandbox-local storage back to the
// host. The sandbox's snapshot directory is the authoritative copy for
// VM-class backends; the host is a durable secondary. Archives already on
// the host are skipped. The transfer rides the backend's exec surface, so
// no extra copy-out primitive is needed; archives are encrypted, so the
// channel needs no protection of its own.
func (m *Manager) Pull(ctx context.Context, be backend.Backend, inst backend.Instance) error {
	if !be.IsAlive(ctx, inst) {
		return nil
	}

	listing, err := be.Exec(ctx, inst, []string{"sh", "-c", "ls -1 " + backend.GuestSnapshotDir + " 2>/dev/null"})
	if err != nil {
		// A guest without a snapshot directory has nothing to pull.
		return nil //nolint:nilerr // absence of guest snapshots is not a failure
	}

	pulled := 0
	for _, name := range strings.Fields(listing.Stdout) {
		if _, ok := parseArchiveName(name); !ok {
			continue
		}
		hostPath := filepath.Join(inst.SnapshotRoot, name)
		if _, err := os.Stat(hostPath); err == nil {
			continue
		}

		result, err := be.Exec(ctx, inst, []string{"sh", "-c", "base64 < " + backend.GuestSnapshotDir + "/" + name})
		if err != nil {
			return fmt.Errorf("pull %s: %w", name, err)
		}
		data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Stdout, "\n", ""))
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}

		if err := os.MkdirAll(inst.SnapshotRoot, 0750); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
		if err := os.WriteFile(hostPath, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		pulled++
	}

	if pulled > 0 {
		m.Logger.Info("snapshots pulled", "instance", inst.Name, "count", pulled)
	}
	return nil
}

// resolve maps "latest" or an explicit id to an archive path.
func (m *Manager) resolve(inst backend.Instance, idOrLatest string) (string, string, error) {
	id := idOrLatest
	if idOrLatest == "latest" || idOrLatest == "" {
		latest, err := m.latestID(inst)
		if err != nil {
			return "", "", err
		}
		id = latest
	}

	path := filepath.Join(inst.SnapshotRoot, archivePrefix+id+archiveSuffix)
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return id, path, nil
}

// latestID reads the latest pointer file.
func (m *Manager) latestID(inst backend.Instance) (string, error) {
	data, err := os.ReadFile(filepath.Join(inst.SnapshotRoot, latestFileName)) //nolint:gosec // path within snapshot dir
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSnapshots
		}
		return "", fmt.Errorf("read latest pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// repointLatest atomically updates the latest pointer via rename.
func (m *Manager) repointLatest(inst backend.Instance, id string) error {
	pointer := filepath.Join(inst.SnapshotRoot, latestFileName)
	tmp := pointer + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0600); err != nil {
		return fmt.Errorf("write latest pointer: %w", err)
	}
	if err := os.Rename(tmp, pointer); err != nil {
		return fmt.Errorf("repoint latest: %w", err)
	}
	return nil
}

// parseArchiveName extracts the snapshot id from an archive file name.
func parseArchiveName(name string) (string, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix), true
}

// parseID converts a snapshot id back to its creation time.
func parseID(id string) time.Time {
	t, err := time.Parse(idTimeFormat, id)
	if err != nil {
		return time.Time{}
	}
	return t
}
