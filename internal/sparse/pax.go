package sparse

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// maxMapEntries bounds the entry count of a decoded PAX sparse map.
const maxMapEntries = 1 << 24

// PAX sparse keywords.
const (
	keyMajor     = "GNU.sparse.major"
	keyMinor     = "GNU.sparse.minor"
	keyName      = "GNU.sparse.name"
	keyRealsize  = "GNU.sparse.realsize"
	keySize      = "GNU.sparse.size"
	keyNumblocks = "GNU.sparse.numblocks"
	keyOffset    = "GNU.sparse.offset"
	keyNumbytes  = "GNU.sparse.numbytes"
	keyMap       = "GNU.sparse.map"
)

// sparseNamePattern is the synthetic member name of 0.1 and 1.0 sparse
// members.
const sparseNamePattern = "%d/GNUSparseFile.%p/%f"

// paxCodec stores the map in extended header records (0.0 and 0.1) or in
// a text block preceding the data (1.0).
type paxCodec struct {
	version Version
}

func (paxCodec) IsSparseMember(st *tarhdr.Stat) bool {
	if len(st.Sparse) > 0 || st.SparseMajor > 0 {
		return true
	}
	for _, r := range st.PAX {
		switch r.Key {
		case keyMajor, keyMap, keyOffset, keySize, keyRealsize:
			return true
		}
	}
	return false
}

// FixupHeader applies the GNU.sparse records: the real name and size, the
// version, and for 0.x members the map itself.
func (paxCodec) FixupHeader(st *tarhdr.Stat) error {
	st.ArchiveSize = st.Size
	st.Sparse = st.Sparse[:0]
	var (
		off     uint64
		haveOff bool
	)
	for _, r := range st.PAX {
		switch r.Key {
		case keyMajor, keyMinor:
			v, err := parseDecimal(r.Value, math.MaxInt32)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", st.OrigName, r.Key, err)
			}
			if r.Key == keyMajor {
				st.SparseMajor = int(v)
			} else {
				st.SparseMinor = int(v)
			}
		case keyName:
			st.Name, st.OrigName = r.Value, r.Value
		case keyRealsize, keySize:
			v, err := parseDecimal(r.Value, math.MaxInt64)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", st.OrigName, r.Key, err)
			}
			st.Size = int64(v)
		case keyNumblocks:
			if _, err := parseDecimal(r.Value, maxMapEntries); err != nil {
				return fmt.Errorf("%s: %s: %w", st.OrigName, r.Key, err)
			}
		case keyOffset:
			v, err := parseDecimal(r.Value, math.MaxInt64)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", st.OrigName, r.Key, err)
			}
			off, haveOff = v, true
		case keyNumbytes:
			v, err := parseDecimal(r.Value, math.MaxInt64)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", st.OrigName, r.Key, err)
			}
			if !haveOff {
				return fmt.Errorf("%s: %w: %s without %s", st.OrigName, ErrSparseMalformed, keyNumbytes, keyOffset)
			}
			st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: int64(off), Numbytes: int64(v)})
			haveOff = false
		case keyMap:
			m, err := parseMapString(r.Value)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", st.OrigName, r.Key, err)
			}
			st.Sparse = append(st.Sparse, m...)
		}
	}
	for _, e := range st.Sparse {
		if e.Offset > st.Size-e.Numbytes {
			return fmt.Errorf("%s: %w: region %d+%d beyond size %d",
				st.OrigName, ErrInvalidSparse, e.Offset, e.Numbytes, st.Size)
		}
	}
	return nil
}

func parseMapString(s string) ([]tarhdr.Extent, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of map values", ErrSparseMalformed)
	}
	m := make([]tarhdr.Extent, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		off, err := parseDecimal(parts[i], math.MaxInt64)
		if err != nil {
			return nil, err
		}
		num, err := parseDecimal(parts[i+1], math.MaxInt64)
		if err != nil {
			return nil, err
		}
		m = append(m, tarhdr.Extent{Offset: int64(off), Numbytes: int64(num)})
	}
	return m, nil
}

func (c paxCodec) DumpHeader(h *Handler, m *Member) error {
	m.st.SparseMajor, m.st.SparseMinor = c.version.Major, c.version.Minor
	if c.version.Major == 0 {
		return c.dumpV0(h, m)
	}
	return c.dumpV1(h, m)
}

func (c paxCodec) dumpV0(h *Handler, m *Member) error {
	st := m.st
	x := &h.writer.X
	x.StoreInt(keySize, st.Size)
	x.StoreInt(keyNumblocks, int64(len(st.Sparse)))

	hs := *st
	if c.version.Minor == 0 {
		for _, e := range st.Sparse {
			x.StoreInt(keyOffset, e.Offset)
			x.StoreInt(keyNumbytes, e.Numbytes)
		}
	} else {
		x.Store(keyName, st.Name)
		hs.Name = tarhdr.FormatName(sparseNamePattern, st.Name, 0)
		var sb strings.Builder
		for i, e := range st.Sparse {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.FormatInt(e.Offset, 10))
			sb.WriteByte(',')
			sb.WriteString(strconv.FormatInt(e.Numbytes, 10))
		}
		x.Store(keyMap, sb.String())
	}
	return h.writer.Finish(&hs, h.writer.Start(&hs))
}

func (c paxCodec) dumpV1(h *Handler, m *Member) error {
	st := m.st
	size := int64(floorLog10(uint64(len(st.Sparse))) + 2)
	for _, e := range st.Sparse {
		size += int64(floorLog10(uint64(e.Offset)) + 2)
		size += int64(floorLog10(uint64(e.Numbytes)) + 2)
	}
	size = roundUp(size)
	st.ArchiveSize += size
	m.dumped += size

	x := &h.writer.X
	x.StoreInt(keyMajor, int64(c.version.Major))
	x.StoreInt(keyMinor, int64(c.version.Minor))
	x.Store(keyName, st.Name)
	x.StoreInt(keyRealsize, st.Size)

	hs := *st
	hs.Name = tarhdr.FormatName(sparseNamePattern, st.Name, 0)
	if len(hs.Name) > tarhdr.NameFieldSize {
		hs.Name = hs.Name[:tarhdr.NameFieldSize]
	}
	if err := h.writer.Finish(&hs, h.writer.Start(&hs)); err != nil {
		return err
	}

	tw, err := newTextWriter(h)
	if err != nil {
		return err
	}
	if err := tw.line(uint64(len(st.Sparse))); err != nil {
		return err
	}
	for _, e := range st.Sparse {
		if err := tw.line(uint64(e.Offset)); err != nil {
			return err
		}
		if err := tw.line(uint64(e.Numbytes)); err != nil {
			return err
		}
	}
	tw.close()
	return nil
}

func floorLog10(n uint64) int {
	f := 0
	for n /= 10; n != 0; n /= 10 {
		f++
	}
	return f
}

// DecodeHeader reads the 1.0 text map. 0.x maps were decoded with the
// extended header by FixupHeader.
func (paxCodec) DecodeHeader(h *Handler, m *Member) error {
	st := m.st
	if st.SparseMajor == 0 {
		return nil
	}
	st.Sparse = st.Sparse[:0]
	tr, err := newTextReader(h, st)
	if err != nil {
		return err
	}
	count, err := tr.num(maxMapEntries)
	if err != nil {
		return err
	}
	for range count {
		off, err := tr.num(uint64(max(0, st.Size)))
		if err != nil {
			return err
		}
		num, err := tr.num(uint64(st.Size) - off)
		if err != nil {
			return err
		}
		st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: int64(off), Numbytes: int64(num)})
	}
	m.dumped += int64(tr.close()) * record.BlockSize
	return nil
}

// decimal accumulates an unsigned decimal number one byte at a time.
type decimal struct {
	n                          uint64
	digit, nondigit, overflowd bool
}

func (d *decimal) add(c byte) {
	if c < '0' || c > '9' {
		d.nondigit = true
		return
	}
	d.digit = true
	v := uint64(c - '0')
	if d.n > (math.MaxUint64-v)/10 {
		d.overflowd = true
		return
	}
	d.n = d.n*10 + v
}

func (d *decimal) result(limit uint64) (uint64, error) {
	switch {
	case !d.digit || d.nondigit:
		return 0, ErrSparseMalformed
	case d.overflowd || d.n > limit:
		return 0, ErrSparseOverflow
	}
	return d.n, nil
}

func parseDecimal(s string, limit uint64) (uint64, error) {
	var d decimal
	for i := 0; i < len(s); i++ {
		d.add(s[i])
	}
	return d.result(limit)
}

// textReader reads newline-terminated numbers from consecutive blocks.
type textReader struct {
	h      *Handler
	st     *tarhdr.Stat
	blk    record.Block
	pos    int
	blocks int
}

func newTextReader(h *Handler, st *tarhdr.Stat) (*textReader, error) {
	t := &textReader{h: h, st: st}
	if err := t.advance(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *textReader) advance() error {
	b, err := t.h.blocks.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w", t.st.OrigName, ErrUnexpectedEOF)
		}
		return err
	}
	t.blk, t.pos = b, 0
	t.blocks++
	return nil
}

func (t *textReader) num(limit uint64) (uint64, error) {
	var d decimal
	for {
		if t.pos == record.BlockSize {
			t.h.blocks.ConsumeThrough(t.blk)
			if err := t.advance(); err != nil {
				return 0, err
			}
		}
		c := t.blk.Bytes()[t.pos]
		t.pos++
		if c == '\n' {
			break
		}
		d.add(c)
	}
	v, err := d.result(limit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", t.st.OrigName, err)
	}
	return v, nil
}

// close consumes the current block and returns the number of blocks read.
func (t *textReader) close() int {
	t.h.blocks.ConsumeThrough(t.blk)
	return t.blocks
}

// textWriter writes newline-terminated numbers into consecutive blocks.
type textWriter struct {
	h   *Handler
	blk record.Block
	pos int
}

func newTextWriter(h *Handler) (*textWriter, error) {
	b, err := h.blocks.Next()
	if err != nil {
		return nil, err
	}
	return &textWriter{h: h, blk: b}, nil
}

func (t *textWriter) line(n uint64) error {
	s := strconv.FormatUint(n, 10) + "\n"
	for i := 0; i < len(s); i++ {
		if t.pos == record.BlockSize {
			t.h.blocks.ConsumeThrough(t.blk)
			b, err := t.h.blocks.Next()
			if err != nil {
				return err
			}
			t.blk, t.pos = b, 0
		}
		t.blk.Bytes()[t.pos] = s[i]
		t.pos++
	}
	return nil
}

func (t *textWriter) close() {
	clear(t.blk.Bytes()[t.pos:])
	t.h.blocks.ConsumeThrough(t.blk)
}
