package syncer

// ABOUTME: Flags changed files that look like credential material before
// ABOUTME: they are applied remotely. A deliberate friction point, not an
// ABOUTME: optimization.

import (
	"path/filepath"
	"strings"
)

// sensitiveSuffixes are file extensions associated with keys, certificates,
// and auth tokens.
var sensitiveSuffixes = []string{
	".pem", ".key", ".p12", ".pfx", ".crt", ".cer", ".der", ".jks",
	".keystore", ".token",
}

// sensitiveNames match against the base file name.
var sensitiveNames = []string{
	".env", ".env.*", ".netrc", "id_rsa*", "id_ed25519*",
	"*credentials*", "*secret*", "authorized_keys", ".htpasswd",
}

// ScanSensitive returns the subset of relative paths that match a
// security-sensitive pattern.
func ScanSensitive(paths []string) []string {
	var matches []string
	for _, p := range paths {
		if isSensitive(p) {
			matches = append(matches, p)
		}
	}
	return matches
}

func isSensitive(rel string) bool {
	base := strings.ToLower(filepath.Base(rel))

	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	for _, pattern := range sensitiveNames {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
