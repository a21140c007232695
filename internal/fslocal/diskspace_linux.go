//go:build linux

package fslocal

import "golang.org/x/sys/unix"

// availableDiskSpace returns available bytes on the volume containing
// path, using unix.Statfs rather than syscall.Statfs because its field
// types are normalized across architectures. Uses Bavail (available to
// unprivileged users), not Bfree (total free including root-reserved
// blocks). Grounded on the teacher's internal/sync/safety_linux.go.
func availableDiskSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // kernel guarantees non-negative values
}
