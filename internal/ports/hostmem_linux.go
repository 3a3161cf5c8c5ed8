//go:build linux

package ports

import "golang.org/x/sys/unix"

// hostMemoryMB returns total host memory, or 0 when it cannot be determined.
func hostMemoryMB() int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int(uint64(info.Totalram) * uint64(info.Unit) / (1 << 20)) //nolint:gosec // sizes fit in int on supported hosts
}
