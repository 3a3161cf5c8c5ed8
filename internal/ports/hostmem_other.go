//go:build !linux

package ports

// hostMemoryMB returns 0 on platforms without a portable total-memory
// probe; the memory cap is skipped there.
func hostMemoryMB() int {
	return 0
}
