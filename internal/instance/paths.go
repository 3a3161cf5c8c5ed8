// Package instance implements the instance registry: identity rules,
// directory layout, and persisted metadata for agent instances.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directory names under each instance root. code/ holds synced source,
// state/ holds sandbox-authoritative runtime data (protected from sync
// deletion), secrets/ holds the privilege-split secret files,
// secrets-shared/ holds the sandbox-visible subset of secrets/ (never the
// snapshot identity key), snapshots/ holds encrypted archives plus the
// latest pointer.
const (
	CodeDirName         = "code"
	StateDirName        = "state"
	SecretsDirName      = "secrets"
	SecretsShareDirName = "secrets-shared"
	SnapshotDirName     = "snapshots"
)

// BaseDir returns the warden home directory.
//
//	~/.warden/
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".warden")
}

// InstancesDir returns the directory holding all instance roots.
func InstancesDir() string {
	return filepath.Join(BaseDir(), "instances")
}

// Dir returns the host-side root directory for an instance.
//
//	~/.warden/instances/<name>/
func Dir(name string) string {
	return filepath.Join(InstancesDir(), name)
}

// RequireDir returns the instance directory path after verifying it exists.
func RequireDir(name string) (string, error) {
	dir := Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return "", ErrNotFound
	}
	return dir, nil
}

// CodeDir returns the synced-source root for an instance.
func CodeDir(name string) string { return filepath.Join(Dir(name), CodeDirName) }

// StateDir returns the runtime-state root for an instance.
func StateDir(name string) string { return filepath.Join(Dir(name), StateDirName) }

// SecretsDir returns the secrets root for an instance.
func SecretsDir(name string) string { return filepath.Join(Dir(name), SecretsDirName) }

// SecretsShareDir returns the sandbox-visible secrets directory for an
// instance. Sync mirrors secrets/ into it minus the snapshot identity
// key, and backends mount or copy this directory, never secrets/ itself.
func SecretsShareDir(name string) string { return filepath.Join(Dir(name), SecretsShareDirName) }

// SnapshotDir returns the snapshot-archive root for an instance.
func SnapshotDir(name string) string { return filepath.Join(Dir(name), SnapshotDirName) }

// RegistryDBPath returns the path of the sqlite database holding port
// allocations.
func RegistryDBPath() string {
	return filepath.Join(BaseDir(), "warden.db")
}

// ensureLayout creates the per-instance directory skeleton. The secrets
// directory is created with tighter permissions than the rest.
func ensureLayout(name string) error {
	for _, sub := range []string{CodeDirName, StateDirName, SecretsShareDirName, SnapshotDirName} {
		dir := filepath.Join(Dir(name), sub)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(SecretsDir(name), 0700); err != nil {
		return fmt.Errorf("create %s: %w", SecretsDir(name), err)
	}
	return nil
}
