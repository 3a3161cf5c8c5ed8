package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/snapshot"
)

// DefaultInstallCmd installs dependencies inside the sandbox after file
// placement.
var DefaultInstallCmd = []string{"sh", "-c", "cd " + backend.GuestCodeDir + " && npm install --no-audit --no-fund"}

// Engine runs sync passes against one backend.
type Engine struct {
	Backend   backend.Backend
	Snapshots *snapshot.Manager
	Logger    *slog.Logger

	// Output receives user-facing warnings (the sensitive-path friction
	// point writes here, not to the log).
	Output io.Writer

	// InstallCmd overrides DefaultInstallCmd when non-nil.
	InstallCmd []string
}

// Result summarizes one sync pass.
type Result struct {
	Changed    []string // relative paths copied by the mirror step
	Deleted    []string // relative paths removed by mirror semantics
	Sensitive  []string // changed paths flagged as credential material
	InstallRan bool
}

// Sync executes the plan: loss-prevention pull, ordered differential
// mirror, sensitive-path warning, push, and the build-cache-gated install.
// A failed mapping aborts the remaining mappings in the same pass: a
// partial sync is worse than no sync. The install step runs only when the
// sandbox is reachable, and the cached hash is updated only after a
// completed install.
func (e *Engine) Sync(ctx context.Context, inst backend.Instance, plan Plan, forceInstall bool) (Result, error) {
	var result Result

	// Loss prevention: the sandbox may hold snapshots newer than the
	// host copy. Pull them home before anything destructive happens. A
	// fresh instance with no runtime state has nothing to lose, so the
	// pull is skipped.
	if HasRuntimeState(inst.StateRoot) {
		if infos, err := e.Snapshots.List(inst); err == nil && len(infos) > 0 {
			if err := e.Snapshots.Pull(ctx, e.Backend, inst); err != nil {
				return result, fmt.Errorf("pre-sync snapshot pull: %w", err)
			}
		}
	}

	mirrored := make([]mirrorResult, len(plan.Mappings))
	for i, mapping := range plan.Mappings {
		res, err := mirrorTree(mapping.Source, mapping.HostMirror, mapping.Exclude, mapping.Protect)
		if err != nil {
			return result, fmt.Errorf("sync mapping %d (%s): %w", i, mapping.HostMirror, err)
		}
		mirrored[i] = res
		result.Changed = append(result.Changed, res.changed...)
		result.Deleted = append(result.Deleted, res.deleted...)
	}

	result.Sensitive = ScanSensitive(result.Changed)
	if len(result.Sensitive) > 0 {
		fmt.Fprintln(e.Output, "WARNING: this sync touches credential material:") //nolint:errcheck // best-effort output
		for _, p := range result.Sensitive {
			fmt.Fprintf(e.Output, "  %s\n", p) //nolint:errcheck // best-effort output
		}
	}

	alive := e.Backend.IsAlive(ctx, inst)
	if alive {
		if err := e.push(ctx, inst, plan, mirrored); err != nil {
			return result, err
		}
	}

	installed, err := e.build(ctx, inst, alive, forceInstall)
	if err != nil {
		return result, err
	}
	result.InstallRan = installed

	e.Logger.Debug("sync complete",
		"instance", inst.Name,
		"changed", len(result.Changed),
		"deleted", len(result.Deleted),
		"installed", result.InstallRan)
	return result, nil
}

// push applies the mirrored host state to a live sandbox: directory
// copy-in per mapping, then explicit deletions for mirror-semantics
// mappings. Protected destinations never see a deletion.
func (e *Engine) push(ctx context.Context, inst backend.Instance, plan Plan, mirrored []mirrorResult) error {
	for i, mapping := range plan.Mappings {
		if err := e.Backend.CopyIn(ctx, inst, mapping.HostMirror, mapping.GuestDest); err != nil {
			return fmt.Errorf("push mapping %d (%s): %w", i, mapping.GuestDest, err)
		}
		if mapping.Protect {
			continue
		}
		for _, rel := range mirrored[i].deleted {
			res, err := e.Backend.Exec(ctx, inst, []string{"rm", "-rf", path.Join(mapping.GuestDest, rel)})
			if err != nil {
				return fmt.Errorf("delete %s from sandbox: %w", rel, err)
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("delete %s from sandbox: %s", rel, res.Stderr)
			}
		}
	}
	return nil
}

// build runs the BuildCache check: hash the dependency manifest; when
// unchanged from the cached value skip install, otherwise install and
// update the cache only on success.
func (e *Engine) build(ctx context.Context, inst backend.Instance, alive, force bool) (bool, error) {
	manifest, err := ManifestHash(inst.CodeRoot)
	if err != nil {
		return false, err
	}
	if manifest == "" || !alive {
		return false, nil
	}

	if !force && cachedHash(ctx, e.Backend, inst) == manifest {
		e.Logger.Debug("dependencies unchanged, skipping install", "instance", inst.Name)
		return false, nil
	}

	installCmd := e.InstallCmd
	if installCmd == nil {
		installCmd = DefaultInstallCmd
	}
	res, err := e.Backend.Exec(ctx, inst, installCmd)
	if err != nil {
		return false, fmt.Errorf("dependency install: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("dependency install exited %d: %s", res.ExitCode, res.Stderr)
	}
	if err := storeHash(ctx, e.Backend, inst, manifest); err != nil {
		return true, err
	}
	return true, nil
}

// Invalidate clears the sandbox-side build cache so the next sync
// reinstalls regardless of the manifest hash. Used by rebuild.
func (e *Engine) Invalidate(ctx context.Context, inst backend.Instance) error {
	if !e.Backend.IsAlive(ctx, inst) {
		return nil
	}
	return clearHash(ctx, e.Backend, inst)
}

// HasRuntimeState reports whether the instance's state directory holds
// anything worth protecting.
func HasRuntimeState(stateRoot string) bool {
	entries, err := os.ReadDir(stateRoot)
	return err == nil && len(entries) > 0
}
