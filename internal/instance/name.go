package instance

// ABOUTME: Instance name validation. Names become directory names, container
// ABOUTME: names, and VM names, so the rules are the intersection of all three.

import (
	"fmt"
	"strings"
)

const (
	minNameLen = 2
	maxNameLen = 32
)

// ValidateName checks an instance name: lowercase letters, digits, and
// hyphens; no leading or trailing hyphen; bounded length. Returns
// ErrInvalidName (wrapped with the specific reason) on violation.
func ValidateName(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidName, name, minNameLen, maxNameLen)
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("%w: %q must not start or end with a hyphen", ErrInvalidName, name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return fmt.Errorf("%w: %q contains %q (allowed: a-z, 0-9, hyphen)", ErrInvalidName, name, c)
		}
	}
	return nil
}
