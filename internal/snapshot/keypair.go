// Package snapshot implements encrypted, point-in-time archives of an
// instance's persistent state: create, list, restore, prune, and pull.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
)

// Key file names under the instance secrets directory. The identity is
// privileged-only (0600); the recipient may be read from inside the
// sandbox (0644). The identity never leaves the host's secrets directory
// and is never transmitted anywhere.
const (
	IdentityFileName  = "snapshot.key"
	RecipientFileName = "snapshot.pub"
)

// Sentinel errors. A missing keypair is fatal for Create and Restore —
// there is no fallback to unencrypted storage.
var (
	ErrMissingKeypair = errors.New("snapshot keypair not found")
	ErrKeypairExists  = errors.New("snapshot keypair already exists")
)

// KeygenWarning is shown whenever a keypair is created. Losing the
// identity file permanently forecloses restoring any snapshot for the
// instance; that risk is surfaced, not silently tolerated.
const KeygenWarning = `WARNING: snapshots for this instance can only be restored with the private
key just written to secrets/` + IdentityFileName + `. If that file is lost, every
snapshot becomes permanently unreadable. Back it up somewhere safe.`

// Generate creates an age x25519 keypair for an instance and writes both
// halves under secretsDir. Refuses to overwrite an existing identity.
func Generate(secretsDir string) error {
	identityPath := filepath.Join(secretsDir, IdentityFileName)
	if _, err := os.Stat(identityPath); err == nil {
		return ErrKeypairExists
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age keypair: %w", err)
	}

	keyFile := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		time.Now().UTC().Format(time.RFC3339),
		identity.Recipient().String(),
		identity.String())
	if err := os.WriteFile(identityPath, []byte(keyFile), 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	recipientPath := filepath.Join(secretsDir, RecipientFileName)
	if err := os.WriteFile(recipientPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil { //nolint:gosec // G306: the public half is not secret
		return fmt.Errorf("write recipient: %w", err)
	}

	return nil
}

// LoadRecipient reads the public half of the instance keypair.
func LoadRecipient(secretsDir string) (age.Recipient, error) {
	data, err := os.ReadFile(filepath.Join(secretsDir, RecipientFileName)) //nolint:gosec // path is instance-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingKeypair
		}
		return nil, fmt.Errorf("read recipient: %w", err)
	}

	recipient, err := age.ParseX25519Recipient(firstNonComment(data))
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	return recipient, nil
}

// LoadIdentity reads the private half of the instance keypair.
func LoadIdentity(secretsDir string) (age.Identity, error) {
	data, err := os.ReadFile(filepath.Join(secretsDir, IdentityFileName)) //nolint:gosec // path is instance-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingKeypair
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}

	identity, err := age.ParseX25519Identity(firstNonComment(data))
	if err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	return identity, nil
}

// HasKeypair reports whether the identity half exists.
func HasKeypair(secretsDir string) bool {
	_, err := os.Stat(filepath.Join(secretsDir, IdentityFileName))
	return err == nil
}

// firstNonComment returns the first line that is not blank or a comment.
func firstNonComment(data []byte) string {
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := string(data[start:i])
			start = i + 1
			if line == "" || line[0] == '#' {
				continue
			}
			return line
		}
	}
	return ""
}
