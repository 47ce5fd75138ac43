//go:build darwin

package engine

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// devFromStat returns the device number from a syscall.Stat_t.
func devFromStat(stat *syscall.Stat_t) uint64 {
	return uint64(stat.Dev) //nolint:gosec // G115: dev_t is int32 on darwin, always non-negative
}

// setModTime sets the modification time of path. Darwin lacks UTIME_OMIT,
// so the access time is set to the modification time as well.
func setModTime(path string, modTime time.Time, link bool) error {
	ts := unix.NsecToTimespec(modTime.UnixNano())
	flags := 0
	if link {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, flags); err != nil {
		return fmt.Errorf("utimensat %s: %w", path, err)
	}
	return nil
}
