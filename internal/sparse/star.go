package sparse

import (
	"fmt"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// starCodec is the STAR representation. Old-style headers carry four map
// entries inline; new-style headers keep the whole map in extension
// blocks. Extension blocks count toward the archived size.
type starCodec struct {
	legacy bool
}

func (starCodec) IsSparseMember(st *tarhdr.Stat) bool {
	return st.Typeflag == tarhdr.TypeGNUSparse
}

func (starCodec) FixupHeader(st *tarhdr.Stat) error {
	return fixupRealsize(st, tarhdr.FieldStarRealsize)
}

func (c starCodec) DumpHeader(h *Handler, m *Member) error {
	st := *m.st
	if len(st.Name) > tarhdr.NameFieldSize {
		// The name prefix field holds the map in sparse headers.
		return fmt.Errorf("%s: %w", st.Name, tarhdr.ErrNameTooLong)
	}
	st.Typeflag = tarhdr.TypeGNUSparse

	rest := st.Sparse
	if c.legacy {
		rest = rest[min(len(rest), tarhdr.SparsesInStarHeader):]
	}
	ext := extBlocks(len(rest))
	if !c.legacy {
		ext = max(ext, 1)
	}
	extSize := int64(ext) * record.BlockSize
	st.ArchiveSize += extSize
	m.st.ArchiveSize = st.ArchiveSize
	m.dumped += extSize

	hdr := h.writer.Start(&st)
	tarhdr.PutNumeric(hdr, tarhdr.FieldStarRealsize, st.Size)
	if c.legacy {
		storeTable(hdr, tarhdr.FieldStarSparse, tarhdr.SparsesInStarHeader, st.Sparse)
		if len(rest) > 0 {
			hdr[tarhdr.FieldStarIsExtended.Off] = 1
		}
	}
	if err := h.writer.Finish(&st, hdr); err != nil {
		return err
	}
	if !c.legacy && len(rest) == 0 {
		b, err := h.blocks.Next()
		if err != nil {
			return err
		}
		clear(b.Bytes())
		h.blocks.ConsumeThrough(b)
		return nil
	}
	_, err := h.writeExtensions(rest)
	return err
}

func extBlocks(entries int) int {
	return (entries + tarhdr.SparsesInExtHeader - 1) / tarhdr.SparsesInExtHeader
}

func (starCodec) DecodeHeader(h *Handler, m *Member) error {
	st := m.st
	st.Sparse = st.Sparse[:0]
	hdr := st.Header

	extended := true
	if hdr[tarhdr.FieldStarPrefix.Off] == 0 && hdr[tarhdr.SparseOffset(tarhdr.FieldStarSparse, 0).Off+10] != 0 {
		done, err := addTable(st, hdr, tarhdr.FieldStarSparse, tarhdr.SparsesInStarHeader)
		if err != nil {
			return err
		}
		extended = !done && hdr[tarhdr.FieldStarIsExtended.Off] != 0
	}
	if !extended {
		return nil
	}
	n, err := h.readExtensions(st)
	m.dumped += int64(n) * record.BlockSize
	return err
}
