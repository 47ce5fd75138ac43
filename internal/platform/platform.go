// Package platform holds the small OS-specific helpers used when
// extracting members to the file system.
package platform

import "os"

// Preallocate reserves size bytes of disk space for f, which must be
// empty. Extraction of a large member then fails early on a full disk
// and the file is laid out contiguously where the file system allows.
//
// Errors are ignored: preallocation is advisory and not every file
// system supports it. Sparse members must not be preallocated, since
// that would fill their holes.
func Preallocate(f *os.File, size int64) {
	if size <= 0 {
		return
	}
	preallocate(f, size)
}
