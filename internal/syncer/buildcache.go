package syncer

// ABOUTME: Memoizes "dependencies already installed for this manifest
// ABOUTME: hash". The cache file lives inside the sandbox, so it survives
// ABOUTME: re-sync but not backend teardown.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/wardenhq/warden/internal/backend"
)

// BuildHashFileName is the cache file written next to the synced code
// inside the sandbox.
const BuildHashFileName = ".warden-build-hash"

// manifestNames are checked in order; the first one present in the code
// root is the dependency manifest.
var manifestNames = []string{"package-lock.json", "package.json", "requirements.txt", "go.sum"}

// ManifestHash returns the content hash of the instance's dependency
// manifest, or "" when no manifest exists (nothing to install).
func ManifestHash(codeRoot string) (string, error) {
	for _, name := range manifestNames {
		data, err := os.ReadFile(codeRoot + "/" + name) //nolint:gosec // G304: fixed names under the code root
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read manifest %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
	return "", nil
}

// cachedHash reads the sandbox-side cache file. Absence reads as "".
func cachedHash(ctx context.Context, be backend.Backend, inst backend.Instance) string {
	result, err := be.Exec(ctx, inst, []string{"sh", "-c", "cat " + backend.GuestCodeDir + "/" + BuildHashFileName + " 2>/dev/null"})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(result.Stdout)
}

// storeHash writes the sandbox-side cache file. Called only after a
// successful install so a failed install never looks complete.
func storeHash(ctx context.Context, be backend.Backend, inst backend.Instance, hash string) error {
	_, err := be.Exec(ctx, inst, []string{"sh", "-c",
		fmt.Sprintf("printf %%s %s > %s/%s", hash, backend.GuestCodeDir, BuildHashFileName)})
	if err != nil {
		return fmt.Errorf("store build hash: %w", err)
	}
	return nil
}

// clearHash removes the sandbox-side cache file, forcing the next sync to
// reinstall.
func clearHash(ctx context.Context, be backend.Backend, inst backend.Instance) error {
	_, err := be.Exec(ctx, inst, []string{"sh", "-c", "rm -f " + backend.GuestCodeDir + "/" + BuildHashFileName})
	if err != nil {
		return fmt.Errorf("clear build hash: %w", err)
	}
	return nil
}
