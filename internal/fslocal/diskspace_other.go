//go:build !linux

package fslocal

import "syscall"

// availableDiskSpace returns available bytes on the volume containing
// path. Non-Linux platforms use the portable syscall.Statfs shape rather
// than golang.org/x/sys/unix, matching the teacher's own
// internal/sync/safety_darwin.go split.
func availableDiskSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // kernel guarantees non-negative values
}
