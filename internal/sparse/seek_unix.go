//go:build linux || darwin

package sparse

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func seekData(fd uintptr, offset int64) (int64, error) {
	return unix.Seek(int(fd), offset, unix.SEEK_DATA) //nolint:gosec // G115: fd conversion is safe for file descriptors
}

func seekHole(fd uintptr, offset int64) (int64, error) {
	return unix.Seek(int(fd), offset, unix.SEEK_HOLE) //nolint:gosec // G115: fd conversion is safe for file descriptors
}

func isENXIO(err error) bool {
	return errors.Is(err, syscall.ENXIO)
}

func isUnsupported(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP)
}
