package instance

// ABOUTME: Resolves instance names to metadata and filesystem roots. The
// ABOUTME: on-disk instances directory is the source of truth; no daemon.

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/wardenhq/warden/internal/backend"
)

// Instance is a registered instance: its metadata plus resolved roots.
type Instance struct {
	Meta Meta
	Root string
}

// BackendInstance converts to the backend-facing view.
func (i *Instance) BackendInstance() backend.Instance {
	return backend.Instance{
		Name:             i.Meta.Name,
		GatewayPort:      i.Meta.GatewayPort,
		ControllerPort:   i.Meta.ControllerPort,
		CodeRoot:         CodeDir(i.Meta.Name),
		StateRoot:        StateDir(i.Meta.Name),
		SecretsRoot:      SecretsDir(i.Meta.Name),
		SecretsShareRoot: SecretsShareDir(i.Meta.Name),
		SnapshotRoot:     SnapshotDir(i.Meta.Name),
		ImageRef:         i.Meta.ImageRef,
	}
}

// Load resolves a name to a registered instance.
func Load(name string) (*Instance, error) {
	dir, err := RequireDir(name)
	if err != nil {
		return nil, err
	}
	meta, err := LoadMeta(dir)
	if err != nil {
		return nil, err
	}
	return &Instance{Meta: *meta, Root: dir}, nil
}

// List returns all registered instance names, sorted. A missing instances
// directory is an empty registry, not an error.
func List() ([]string, error) {
	entries, err := os.ReadDir(InstancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateOptions holds the parameters for registering a new instance.
type CreateOptions struct {
	Name           string
	Backend        string
	ImageRef       string
	SourceDir      string
	GatewayPort    int
	ControllerPort int
	Version        string
}

// Create registers a new instance: validates the name, builds the
// directory layout, and writes meta.json. Ports must already be allocated
// by the caller. Fails without side effects on a bad name or duplicate.
func Create(opts CreateOptions) (*Instance, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(Dir(opts.Name)); err == nil {
		return nil, ErrAlreadyExists
	}

	if err := ensureLayout(opts.Name); err != nil {
		return nil, err
	}

	meta := &Meta{
		WardenVersion:  opts.Version,
		Name:           opts.Name,
		CreatedAt:      time.Now().UTC(),
		Backend:        opts.Backend,
		ImageRef:       opts.ImageRef,
		SourceDir:      opts.SourceDir,
		GatewayPort:    opts.GatewayPort,
		ControllerPort: opts.ControllerPort,
	}
	if err := SaveMeta(Dir(opts.Name), meta); err != nil {
		// Roll back the half-created layout so creation stays atomic
		// from the registry's point of view.
		_ = os.RemoveAll(Dir(opts.Name))
		return nil, err
	}

	return &Instance{Meta: *meta, Root: Dir(opts.Name)}, nil
}

// Destroy removes an instance's directory tree. The caller is responsible
// for tearing down the backend runtime and releasing ports first.
func Destroy(name string) error {
	if _, err := RequireDir(name); err != nil {
		return err
	}
	if err := os.RemoveAll(Dir(name)); err != nil {
		return fmt.Errorf("remove instance directory: %w", err)
	}
	return nil
}
