package ports

// ABOUTME: Advisory CPU/memory/disk sizing for VM-class backends: a linear
// ABOUTME: model (base overhead + per-instance increment) capped at host
// ABOUTME: capacity. Input to provisioning, never enforced at runtime.

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Linear model constants. The base covers the guest OS and warden's own
// overhead; the increment covers one agent instance.
const (
	baseCPUs        = 2
	cpusPerInstance = 1

	baseMemoryMB     = 2048
	memPerInstanceMB = 1536

	baseDiskGB        = 10
	diskPerInstanceGB = 5
)

// Sizing is a recommended VM resource envelope.
type Sizing struct {
	CPUs     int
	MemoryMB int
	DiskGB   int
}

// Recommend computes sizing for the given target count of concurrently
// running instances, capped at what the host can actually provide.
func Recommend(instanceCount int, stateDir string) Sizing {
	if instanceCount < 1 {
		instanceCount = 1
	}

	s := Sizing{
		CPUs:     baseCPUs + cpusPerInstance*instanceCount,
		MemoryMB: baseMemoryMB + memPerInstanceMB*instanceCount,
		DiskGB:   baseDiskGB + diskPerInstanceGB*instanceCount,
	}

	if hostCPUs := runtime.NumCPU(); s.CPUs > hostCPUs {
		s.CPUs = hostCPUs
	}
	if hostMB := hostMemoryMB(); hostMB > 0 && s.MemoryMB > hostMB {
		s.MemoryMB = hostMB
	}
	if freeGB := freeDiskGB(stateDir); freeGB > 0 && s.DiskGB > freeGB {
		s.DiskGB = freeGB
	}

	return s
}

// freeDiskGB returns free space on the filesystem holding dir, or 0 when
// it cannot be determined.
func freeDiskGB(dir string) int {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0
	}
	return int(uint64(st.Bavail) * uint64(st.Bsize) / (1 << 30)) //nolint:gosec // sizes fit in int on supported hosts
}
