package record

import (
	"fmt"
	"io"
)

// BlockSize is the size of one archive block in bytes.
const BlockSize = 512

// Flusher refills (read) or drains (write) the live record of a Store.
// Flush is called with the store positioned at the end of the record.
type Flusher interface {
	Flush() error
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func() error

// Flush calls f.
func (f FlusherFunc) Flush() error { return f() }

// Block is a view of one block of the live record.
type Block struct {
	rec []byte
	idx int
	end int
}

// Index returns the block's position within its record.
func (b Block) Index() int { return b.idx }

// Bytes returns the block's BlockSize bytes.
func (b Block) Bytes() []byte {
	return b.rec[b.idx*BlockSize : (b.idx+1)*BlockSize]
}

// Tail returns the bytes from the start of the block through the end of
// the record.
func (b Block) Tail() []byte {
	return b.rec[b.idx*BlockSize : b.end*BlockSize]
}

// Plus returns the block n positions after b in the same record.
func (b Block) Plus(n int) Block {
	return Block{rec: b.rec, idx: b.idx + n, end: b.end}
}

// IsZero reports whether b refers to no record at all.
func (b Block) IsZero() bool { return b.rec == nil }

// Store owns the record buffers through which all archive bytes move.
// Two buffers may be allocated; only the one selected by the live index is
// used for block iteration.
type Store struct {
	factor  int
	bufs    [2][]byte
	live    int
	current int
	end     int

	startOrdinal int64
	eof          bool
	flusher      Flusher
}

// New creates a store whose records hold factor blocks.
func New(factor int) (*Store, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("invalid blocking factor %d", factor)
	}
	s := &Store{factor: factor}
	s.Init()
	return s, nil
}

// SetFlusher installs the flusher used by Next.
func (s *Store) SetFlusher(f Flusher) { s.flusher = f }

// Init allocates the live buffer if needed and positions the store at the
// start of a full, empty record.
func (s *Store) Init() {
	if s.bufs[s.live] == nil {
		s.bufs[s.live] = make([]byte, s.RecordSize())
	}
	s.current = 0
	s.end = s.factor
}

// Swap makes the other buffer live and initializes it. The previous
// buffer keeps its contents until the next Swap.
func (s *Store) Swap() []byte {
	old := s.bufs[s.live]
	s.live ^= 1
	s.Init()
	return old
}

// Release drops both record allocations.
func (s *Store) Release() {
	s.bufs[0], s.bufs[1] = nil, nil
}

// BlockingFactor returns the number of blocks per record.
func (s *Store) BlockingFactor() int { return s.factor }

// RecordSize returns the record size in bytes.
func (s *Store) RecordSize() int { return s.factor * BlockSize }

// Record returns the live record buffer.
func (s *Store) Record() []byte { return s.bufs[s.live] }

// Current returns the index of the next unconsumed block.
func (s *Store) Current() int { return s.current }

// SetCurrent moves the block cursor.
func (s *Store) SetCurrent(n int) { s.current = n }

// End returns the number of valid blocks in the live record.
func (s *Store) End() int { return s.end }

// SetEnd sets the number of valid blocks in the live record.
func (s *Store) SetEnd(n int) { s.end = n }

// StartOrdinal returns the absolute block ordinal of the record start.
func (s *Store) StartOrdinal() int64 { return s.startOrdinal }

// SetStartOrdinal sets the absolute block ordinal of the record start.
func (s *Store) SetStartOrdinal(n int64) { s.startOrdinal = n }

// Ordinal returns the absolute block ordinal of the current block.
func (s *Store) Ordinal() int64 { return s.startOrdinal + int64(s.current) }

// EOF reports whether end of medium has been reached.
func (s *Store) EOF() bool { return s.eof }

// SetEOF sets or clears the sticky end-of-medium flag.
func (s *Store) SetEOF(v bool) { s.eof = v }

// Rewind starts a new record: it advances the record ordinal, resets the
// cursor and returns how many bytes of the old record were filled.
func (s *Store) Rewind() int {
	level := s.current * BlockSize
	s.startOrdinal += int64(s.end)
	s.current = 0
	s.end = s.factor
	return level
}

// BlockAt returns a view of block i of the live record.
func (s *Store) BlockAt(i int) Block {
	return Block{rec: s.bufs[s.live], idx: i, end: s.end}
}

// Next returns the next available block, flushing through the installed
// flusher when the record is exhausted. Once io.EOF is returned, it is
// returned forever so that reading never runs into a following file on the
// medium.
func (s *Store) Next() (Block, error) {
	return s.NextWith(s.flusher)
}

// NextWith is Next with an explicit flusher.
func (s *Store) NextWith(f Flusher) (Block, error) {
	if s.current == s.end {
		if s.eof {
			return Block{}, io.EOF
		}
		if f == nil {
			return Block{}, fmt.Errorf("record: no flusher installed")
		}
		if err := f.Flush(); err != nil {
			return Block{}, err
		}
		if s.current == s.end {
			s.eof = true
			return Block{}, io.EOF
		}
	}
	return s.BlockAt(s.current), nil
}

// ConsumeThrough marks all blocks up to and including b as used.
func (s *Store) ConsumeThrough(b Block) {
	for b.idx >= s.current {
		s.current++
	}
	if s.current > s.end {
		panic(fmt.Sprintf("record: cursor %d past record end %d", s.current, s.end))
	}
}

// ConsumeBytes marks as used the blocks covering n bytes starting at b.
func (s *Store) ConsumeBytes(b Block, n int) {
	if n <= 0 {
		return
	}
	s.ConsumeThrough(b.Plus((n - 1) / BlockSize))
}

// AvailableAfter returns the number of bytes from the start of b through
// the end of the record.
func (s *Store) AvailableAfter(b Block) int {
	return (s.end - b.idx) * BlockSize
}

// ZeroFrom clears the live record from block i to its full size.
func (s *Store) ZeroFrom(i int) {
	clear(s.bufs[s.live][i*BlockSize:])
}
