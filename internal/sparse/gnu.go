package sparse

import (
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/reel/internal/tarhdr"
)

// gnuCodec is the legacy GNU representation: four map entries in the
// member header, chained extension blocks of 21 entries each, and the
// logical size in the realsize field.
type gnuCodec struct{}

func (gnuCodec) IsSparseMember(st *tarhdr.Stat) bool {
	return st.Typeflag == tarhdr.TypeGNUSparse
}

func (gnuCodec) FixupHeader(st *tarhdr.Stat) error {
	return fixupRealsize(st, tarhdr.FieldGNURealsize)
}

func fixupRealsize(st *tarhdr.Stat, f tarhdr.Field) error {
	realsize, err := tarhdr.Numeric(st.Header, f)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", st.OrigName, ErrInvalidSparse, err)
	}
	st.ArchiveSize = st.Size
	st.Size = max(0, realsize)
	if realsize < 0 {
		return fmt.Errorf("%s: %w: negative real size", st.OrigName, ErrInvalidSparse)
	}
	return nil
}

func (gnuCodec) DumpHeader(h *Handler, m *Member) error {
	st := *m.st
	st.Typeflag = tarhdr.TypeGNUSparse
	hdr := h.writer.Start(&st)
	tarhdr.PutNumeric(hdr, tarhdr.FieldGNURealsize, st.Size)

	i := storeTable(hdr, tarhdr.FieldGNUSparse, tarhdr.SparsesInOldGNUHeader, st.Sparse)
	if i < len(st.Sparse) {
		hdr[tarhdr.FieldGNUIsExtended.Off] = 1
	}
	if err := h.writer.Finish(&st, hdr); err != nil {
		return err
	}
	_, err := h.writeExtensions(st.Sparse[i:])
	return err
}

func (gnuCodec) DecodeHeader(h *Handler, m *Member) error {
	st := m.st
	st.Sparse = st.Sparse[:0]
	done, err := addTable(st, st.Header, tarhdr.FieldGNUSparse, tarhdr.SparsesInOldGNUHeader)
	if err != nil {
		return err
	}
	if done || st.Header[tarhdr.FieldGNUIsExtended.Off] == 0 {
		return nil
	}
	_, err = h.readExtensions(st)
	return err
}

// storeTable writes up to n entries of m into the table at f and returns
// how many were stored.
func storeTable(blk []byte, f tarhdr.Field, n int, m []tarhdr.Extent) int {
	i := 0
	for ; i < n && i < len(m); i++ {
		tarhdr.PutNumeric(blk, tarhdr.SparseOffset(f, i), m[i].Offset)
		tarhdr.PutNumeric(blk, tarhdr.SparseNumbytes(f, i), m[i].Numbytes)
	}
	return i
}

// addTable decodes the table of n entries at f. It reports done when an
// empty entry ends the map.
func addTable(st *tarhdr.Stat, blk []byte, f tarhdr.Field, n int) (done bool, err error) {
	for i := range n {
		numField := tarhdr.SparseNumbytes(f, i)
		if blk[numField.Off] == 0 {
			return true, nil
		}
		off, err1 := tarhdr.Numeric(blk, tarhdr.SparseOffset(f, i))
		num, err2 := tarhdr.Numeric(blk, numField)
		if err := errors.Join(err1, err2); err != nil {
			return false, fmt.Errorf("%s: %w: %w", st.OrigName, ErrInvalidSparse, err)
		}
		if off < 0 || num < 0 || off > st.Size-num {
			return false, fmt.Errorf("%s: %w", st.OrigName, ErrInvalidSparse)
		}
		st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: off, Numbytes: num})
	}
	return false, nil
}

// writeExtensions stores m in chained extension blocks and returns the
// number of blocks written.
func (h *Handler) writeExtensions(m []tarhdr.Extent) (int, error) {
	blocks := 0
	for len(m) > 0 {
		b, err := h.blocks.Next()
		if err != nil {
			return blocks, err
		}
		blk := b.Bytes()
		clear(blk)
		n := storeTable(blk, tarhdr.FieldExtSparse, tarhdr.SparsesInExtHeader, m)
		m = m[n:]
		if len(m) > 0 {
			blk[tarhdr.FieldExtIsExtended.Off] = 1
		}
		h.blocks.ConsumeThrough(b)
		blocks++
	}
	return blocks, nil
}

// readExtensions decodes chained extension blocks into st.Sparse and
// returns the number of blocks consumed.
func (h *Handler) readExtensions(st *tarhdr.Stat) (int, error) {
	blocks := 0
	for {
		b, err := h.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return blocks, fmt.Errorf("%s: %w", st.OrigName, ErrUnexpectedEOF)
			}
			return blocks, err
		}
		h.blocks.ConsumeThrough(b)
		blocks++
		blk := b.Bytes()
		done, err := addTable(st, blk, tarhdr.FieldExtSparse, tarhdr.SparsesInExtHeader)
		if err != nil {
			return blocks, err
		}
		if done || blk[tarhdr.FieldExtIsExtended.Off] == 0 {
			return blocks, nil
		}
	}
}
