// Package syncer pushes host-authored code and config into a sandbox
// without destroying sandbox-local runtime data.
package syncer

import (
	"github.com/wardenhq/warden/internal/backend"
	"github.com/wardenhq/warden/internal/snapshot"
)

// Mapping is one ordered entry of a sync plan. Source (optional) is
// mirrored onto HostMirror, which is then pushed to GuestDest through the
// backend's copy surface. Protect=true destinations use update-only
// semantics: files absent from the source are never deleted.
type Mapping struct {
	Source     string
	HostMirror string
	GuestDest  string
	Exclude    []string
	Protect    bool
}

// Plan is an ordered list of mappings, built fresh on every sync
// invocation and never persisted.
type Plan struct {
	Mappings []Mapping
}

// codeExcludes is the authoritative exclusion list for code mappings.
// Where iterations of this list disagreed historically, the
// most-restrictive variant won; entries are never merged ad hoc at call
// sites.
var codeExcludes = []string{
	".git",
	"node_modules",
	".venv",
	"__pycache__",
	"*.log",
	"tmp",
	".DS_Store",
	// Sandbox-side install memo. On variants where the code root is
	// bind-mounted or shared it lives inside the mirrored tree; the
	// delete pass must not treat it as a stale extra.
	BuildHashFileName,
}

// BuildPlan returns the standard plan for an instance: code (mirror with
// delete), the sandbox-visible half of secrets (mirrored into the share
// directory with the snapshot identity key excluded), and seed state
// (update-only: state is sandbox-authoritative).
func BuildPlan(inst backend.Instance, sourceDir string) Plan {
	return Plan{Mappings: []Mapping{
		{
			Source:     sourceDir,
			HostMirror: inst.CodeRoot,
			GuestDest:  backend.GuestCodeDir,
			Exclude:    codeExcludes,
		},
		{
			Source:     inst.SecretsRoot,
			HostMirror: inst.SecretsShareRoot,
			GuestDest:  backend.GuestSecretsDir,
			Exclude:    []string{snapshot.IdentityFileName},
		},
		{
			HostMirror: inst.StateRoot,
			GuestDest:  backend.GuestStateDir,
			Protect:    true,
		},
	}}
}
