package sparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bamsammich/reel/internal/record"
)

// dumpRegion copies extent i of the source file into the archive.
func (h *Handler) dumpRegion(m *Member, i int) error {
	e := m.st.Sparse[i]
	if err := m.seekTo(e.Offset); err != nil {
		return err
	}
	left := e.Numbytes
	for left > 0 {
		b, err := h.blocks.Next()
		if err != nil {
			return err
		}
		want := int(min(left, int64(h.blocks.AvailableAfter(b))))
		tail := b.Tail()
		got, rerr := io.ReadFull(m.rd, tail[:want])
		if pad := got % record.BlockSize; pad != 0 || got == 0 {
			clear(tail[got : got+record.BlockSize-pad])
		}
		left -= int64(got)
		m.dumped += int64(got)

		if got < want {
			if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%s: read error at byte %d: %w", m.st.OrigName, e.End()-left, rerr)
			}
			cur := e.End() - left
			if fi, err := statOf(m.rd); err == nil && fi.Size() < cur {
				cur = fi.Size()
			}
			slog.Warn("file shrank; padding with zeros",
				"member", m.st.OrigName, "bytes", m.st.Size-cur)
			if got > 0 {
				h.blocks.ConsumeBytes(b, got)
				m.dumped = roundUp(m.dumped)
			}
			return fmt.Errorf("%s: %w by %d bytes", m.st.OrigName, ErrFileShrank, m.st.Size-cur)
		}
		h.blocks.ConsumeBytes(b, got)
	}
	return nil
}

func statOf(r io.Reader) (os.FileInfo, error) {
	if s, ok := r.(interface{ Stat() (os.FileInfo, error) }); ok {
		return s.Stat()
	}
	return nil, errors.ErrUnsupported
}

func roundUp(n int64) int64 {
	return (n + record.BlockSize - 1) / record.BlockSize * record.BlockSize
}

// extractRegion writes extent i from the archive to the destination file.
// A zero-length extent marks a trailing hole and truncates the file there.
func (h *Handler) extractRegion(m *Member, i int, trunc func(int64) error) error {
	e := m.st.Sparse[i]
	if err := m.seekTo(e.Offset); err != nil {
		return err
	}
	if e.Numbytes == 0 {
		if m.sk != nil && trunc != nil {
			if err := trunc(e.Offset); err != nil {
				slog.Warn("cannot truncate", "member", m.st.OrigName, "error", err)
			}
		}
		return nil
	}
	left := e.Numbytes
	for left > 0 {
		b, err := h.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%s: %w", m.st.OrigName, ErrUnexpectedEOF)
			}
			return err
		}
		n := int(min(left, int64(h.blocks.AvailableAfter(b))))
		h.blocks.ConsumeBytes(b, n)
		m.dumped += int64(n)
		w, werr := m.wr.Write(b.Tail()[:n])
		left -= int64(w)
		m.offset += int64(w)
		h.tracker.SetSizeLeft(m.left())
		if werr != nil || w != n {
			if werr == nil {
				werr = io.ErrShortWrite
			}
			return fmt.Errorf("%s: wrote only %d of %d bytes: %w", m.st.OrigName, w, n, werr)
		}
	}
	return nil
}

// checkHole verifies that [beg, end) of the file reads as zeros.
func (h *Handler) checkHole(m *Member, beg, end int64) error {
	if err := m.seekTo(beg); err != nil {
		return err
	}
	buf := make([]byte, record.BlockSize)
	for beg < end {
		n := int(min(end-beg, record.BlockSize))
		got, err := io.ReadFull(m.rd, buf[:n])
		if got < n {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%s: read error at byte %d: %w", m.st.OrigName, beg, err)
			}
			return &DiffError{Name: m.st.OrigName, Reason: "Size differs"}
		}
		if !isZero(buf[:got]) {
			return &DiffError{
				Name:   m.st.OrigName,
				Reason: fmt.Sprintf("File fragment at %d is not a hole", beg),
			}
		}
		beg += int64(got)
	}
	return nil
}

// checkData compares extent i of the archive with the file.
func (h *Handler) checkData(m *Member, i int) error {
	e := m.st.Sparse[i]
	if err := m.seekTo(e.Offset); err != nil {
		return err
	}
	h.tracker.SetSizeLeft(m.left())
	buf := make([]byte, record.BlockSize)
	left := e.Numbytes
	for left > 0 {
		b, err := h.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%s: %w", m.st.OrigName, ErrUnexpectedEOF)
			}
			return err
		}
		h.blocks.ConsumeThrough(b)
		n := int(min(left, record.BlockSize))
		m.dumped += int64(n)
		got, rerr := io.ReadFull(m.rd, buf[:n])
		left -= int64(got)
		h.tracker.SetSizeLeft(m.left())
		if !bytes.Equal(b.Bytes()[:got], buf[:got]) {
			return &DiffError{Name: m.st.OrigName, Reason: "Contents differ"}
		}
		if got < n {
			if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%s: read error at byte %d: %w", m.st.OrigName, e.End()-left, rerr)
			}
			return &DiffError{Name: m.st.OrigName, Reason: "Size differs"}
		}
	}
	return nil
}

// skip consumes n bytes of member data.
func (h *Handler) skip(n int64) error {
	for n > 0 {
		b, err := h.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrUnexpectedEOF
			}
			return err
		}
		k := min(n, int64(h.blocks.AvailableAfter(b)))
		h.blocks.ConsumeBytes(b, int(k))
		n -= k
	}
	return nil
}
