package sparse

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/reel/internal/tarhdr"
)

// IsSparseMember reports whether the decoded header st describes a sparse
// member of its archive format.
func (h *Handler) IsSparseMember(st *tarhdr.Stat) bool {
	c, err := h.codecFor(st.Format)
	if err != nil {
		return false
	}
	return c.IsSparseMember(st)
}

// FixupHeader converts the sizes of a sparse member header: ArchiveSize
// becomes the stored size and Size the logical size.
func (h *Handler) FixupHeader(st *tarhdr.Stat) error {
	c, err := h.codecFor(st.Format)
	if err != nil {
		return err
	}
	if err := c.FixupHeader(st); err != nil {
		return err
	}
	st.IsSparse = true
	return nil
}

// DumpFile scans f, writes its header and map and copies its data regions.
// A file that shrinks while being read is padded with zeros and reported
// with ErrFileShrank after the member is complete. ErrUnsupportedFormat
// means nothing was written.
func (h *Handler) DumpFile(f File, st *tarhdr.Stat) error {
	if h.writer == nil {
		return errors.New("sparse: handler has no archive writer")
	}
	c, err := h.codecFor(h.writer.Format())
	if err != nil {
		return err
	}
	m := newMember(st, f)
	if m.sk == nil {
		return fmt.Errorf("%s: sparse file is not seekable", st.OrigName)
	}
	if err := h.scanner.Scan(f, st); err != nil {
		return err
	}
	if err := c.DumpHeader(h, m); err != nil {
		return err
	}

	h.tracker.BeginWrite(st.Name, st.Size, st.ArchiveSize-m.dumped)
	var rerr error
	for i := range st.Sparse {
		if rerr = h.dumpRegion(m, i); rerr != nil {
			break
		}
	}
	if err := h.writer.Pad(st.ArchiveSize - m.dumped); err != nil {
		return err
	}
	return rerr
}

// ExtractFile decodes the map of the sparse member st and writes its
// regions to w. Holes are seeked over when w can seek and written as zeros
// otherwise. It returns the number of member bytes left unread in the
// archive, which is zero on success.
func (h *Handler) ExtractFile(w io.Writer, st *tarhdr.Stat) (int64, error) {
	c, err := h.codecFor(st.Format)
	if err != nil {
		return st.ArchiveSize, err
	}
	m := newMember(st, w)
	if err := c.DecodeHeader(h, m); err != nil {
		return m.left(), err
	}
	h.tracker.SetSizeLeft(m.left())

	var trunc func(int64) error
	if t, ok := w.(interface{ Truncate(int64) error }); ok {
		trunc = t.Truncate
	}
	for i := range st.Sparse {
		if err := h.extractRegion(m, i, trunc); err != nil {
			return m.left(), err
		}
	}
	if m.sk != nil && trunc != nil {
		// A map without a trailing sentinel still yields the logical size.
		if end, err := m.sk.Seek(0, io.SeekEnd); err == nil && end < st.Size {
			if err := trunc(st.Size); err != nil {
				return m.left(), fmt.Errorf("%s: %w", st.OrigName, err)
			}
		}
	}
	return m.left(), nil
}

// SkimFile decodes the map of the sparse member st and skips its data.
func (h *Handler) SkimFile(st *tarhdr.Stat) error {
	c, err := h.codecFor(st.Format)
	if err != nil {
		return err
	}
	m := newMember(st, nil)
	derr := c.DecodeHeader(h, m)
	if err := h.skip(m.left()); err != nil {
		return err
	}
	return derr
}

// DiffFile compares the sparse member st with f: holes in the map must
// read as zeros and data regions must match. Differences are reported as
// *DiffError. The member data is always consumed.
func (h *Handler) DiffFile(f *os.File, st *tarhdr.Stat) error {
	c, err := h.codecFor(st.Format)
	if err != nil {
		return err
	}
	m := newMember(st, f)
	if m.sk == nil {
		return fmt.Errorf("%s: file is not seekable", st.OrigName)
	}
	rerr := c.DecodeHeader(h, m)
	h.tracker.BeginRead(st.OrigName, st.Size)
	defer h.tracker.EndMember()

	var offset int64
	for i := 0; rerr == nil && i < len(st.Sparse); i++ {
		e := st.Sparse[i]
		if rerr = h.checkHole(m, offset, e.Offset); rerr == nil {
			rerr = h.checkData(m, i)
		}
		offset = e.End()
	}
	if rerr != nil {
		if err := h.skip(m.left()); err != nil {
			return err
		}
	}
	return rerr
}
