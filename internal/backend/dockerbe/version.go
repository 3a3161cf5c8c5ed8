package dockerbe

// ABOUTME: Gates on a minimum Docker server version. Older daemons lack
// ABOUTME: the exec and copy semantics the sandbox lifecycle relies on.

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// minServerVersion is the oldest Docker engine the adapter supports.
const minServerVersion = "20.10.0"

// checkServerVersion rejects daemons older than minServerVersion.
// Unparseable versions (dev and vendor builds) are allowed through.
func checkServerVersion(v string) error {
	got, err := goversion.NewVersion(v)
	if err != nil {
		return nil //nolint:nilerr // dev builds report non-semver strings
	}
	min := goversion.Must(goversion.NewVersion(minServerVersion))
	if got.LessThan(min) {
		return fmt.Errorf("docker server %s is too old, %s or newer is required", v, minServerVersion)
	}
	return nil
}
