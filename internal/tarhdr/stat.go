package tarhdr

import (
	"io/fs"
	"time"
)

// Extent is one non-hole run of a sparse file.
type Extent struct {
	Offset   int64
	Numbytes int64
}

// End returns the offset just past the extent.
func (e Extent) End() int64 { return e.Offset + e.Numbytes }

// Stat is the per-member stat record shared by the header codec, the
// sparse engine and the archive driver.
type Stat struct {
	Name     string // archive name, possibly rewritten by a sparse codec
	OrigName string // name as given on the command line or in the archive
	LinkName string
	Mode     int64
	UID, GID int
	Uname    string
	Gname    string
	ModTime  time.Time
	Typeflag byte

	// Size is the logical size of the member. ArchiveSize is the number of
	// data bytes that follow the header in the archive, which differs from
	// Size for sparse members.
	Size        int64
	ArchiveSize int64

	// Blocks is the number of 512-byte blocks the file occupies on disk.
	Blocks int64

	// Offset is the position of the continued data within the member, for
	// multi-volume continuation headers.
	Offset int64

	Sparse      []Extent
	IsSparse    bool
	SparseMajor int
	SparseMinor int

	Format Format
	Header []byte   // copy of the main header block, read side only
	PAX    []Record // extended header records of this member, read side only
}

// LooksSparse reports whether the file occupies fewer blocks than its size
// requires.
func (st *Stat) LooksSparse() bool {
	return st.Size > 0 && st.Blocks*512 < st.Size
}

// FileMode converts the stored permission bits to an fs.FileMode.
func (st *Stat) FileMode() fs.FileMode {
	return fs.FileMode(st.Mode & 0o7777).Perm()
}

// PAXValue returns the last value of an extended header keyword.
func (st *Stat) PAXValue(key string) (string, bool) {
	for i := len(st.PAX) - 1; i >= 0; i-- {
		if st.PAX[i].Key == key {
			return st.PAX[i].Value, true
		}
	}
	return "", false
}

// PAXValues returns every value of a repeated extended header keyword, in
// archive order.
func (st *Stat) PAXValues(key string) []string {
	var out []string
	for _, r := range st.PAX {
		if r.Key == key {
			out = append(out, r.Value)
		}
	}
	return out
}
