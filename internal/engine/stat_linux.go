//go:build linux

package engine

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// devFromStat returns the device number from a syscall.Stat_t.
func devFromStat(stat *syscall.Stat_t) uint64 {
	return stat.Dev
}

// setModTime sets the modification time of path, leaving the access time
// alone. Symbolic links are changed themselves, not their targets.
func setModTime(path string, modTime time.Time, link bool) error {
	times := []unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		unix.NsecToTimespec(modTime.UnixNano()),
	}
	flags := 0
	if link {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, flags); err != nil {
		return fmt.Errorf("utimensat %s: %w", path, err)
	}
	return nil
}
