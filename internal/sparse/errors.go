package sparse

import (
	"errors"
	"fmt"
)

var (
	// ErrSparseMalformed is returned when a sparse map number contains a
	// non-digit or no digits at all.
	ErrSparseMalformed = errors.New("malformed sparse archive member")
	// ErrSparseOverflow is returned when a sparse map number overflows or
	// exceeds its bound.
	ErrSparseOverflow = errors.New("numeric overflow in sparse archive member")
	// ErrInvalidSparse is returned for a sparse table entry that does not
	// fit in the file.
	ErrInvalidSparse = errors.New("invalid sparse archive member")
	// ErrUnsupportedFormat is returned when the archive format has no
	// sparse representation. Callers store the file as a regular member.
	ErrUnsupportedFormat = errors.New("sparse files are not supported by this archive format")
	// ErrFileShrank is returned after a member was padded because its file
	// got shorter while being read.
	ErrFileShrank = errors.New("file shrank")
	// ErrUnexpectedEOF is returned when the archive ends inside a member.
	ErrUnexpectedEOF = errors.New("unexpected EOF in archive")
)

// DiffError reports a difference between a sparse member and the file on
// disk.
type DiffError struct {
	Name   string
	Reason string
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}
