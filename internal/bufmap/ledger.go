// Package bufmap tracks which archive members own the bytes of the
// current record while a multi-volume archive is written, so that a member
// split across volumes can be given a continuation header.
//
// When reading, the ledger degenerates to a single entry describing the
// member being extracted; its SizeLeft is updated explicitly by the
// extractor and compared with the next volume's header.
package bufmap

import "github.com/bamsammich/reel/internal/record"

// Entry describes one member stored, perhaps partly, in the current record.
type Entry struct {
	Start     int // first data block, relative to the current record
	Name      string
	SizeTotal int64
	SizeLeft  int64
	Blocks    int // blocks written since the last reset
}

// Ledger is a chronological list of in-flight members. Entries are kept
// in a slice; finished entries are retired from the front and the
// remaining ones rebased onto the next record.
type Ledger struct {
	entries []Entry
}

// Begin records that a member's data starts at block start of the
// current record.
func (l *Ledger) Begin(start int, name string, total, left int64) {
	l.entries = append(l.entries, Entry{
		Start:     start,
		Name:      name,
		SizeTotal: total,
		SizeLeft:  left,
	})
}

// Len returns the number of live entries.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns the live entries. The slice must not be retained.
func (l *Ledger) Entries() []Entry { return l.entries }

// Head returns the oldest live entry, or nil.
func (l *Ledger) Head() *Entry {
	if len(l.entries) == 0 {
		return nil
	}
	return &l.entries[0]
}

// SizeLeft returns the remaining size of the head entry, or 0.
func (l *Ledger) SizeLeft() int64 {
	if h := l.Head(); h != nil {
		return h.SizeLeft
	}
	return 0
}

// SetSizeLeft updates the remaining size of the head entry.
func (l *Ledger) SetSizeLeft(n int64) {
	if h := l.Head(); h != nil {
		h.SizeLeft = n
	}
}

// Locate returns the index of the entry owning byte off of the record:
// the first entry whose successor starts beyond off, or the last entry.
// It returns -1 when the ledger is empty.
func (l *Ledger) Locate(off int64) int {
	for i := range l.entries {
		if i == len(l.entries)-1 || off < int64(l.entries[i+1].Start)*record.BlockSize {
			return i
		}
	}
	return -1
}

// Flush attributes the accepted bytes of a record write to the owning
// entry, retires fully written entries and rebases the rest onto the next
// record. It returns the number of blocks retired.
func (l *Ledger) Flush(accepted int64) int {
	i := l.Locate(accepted)
	if i < 0 || accepted <= 0 {
		return 0
	}
	e := &l.entries[i]
	delta := accepted - int64(e.Start)*record.BlockSize
	e.Blocks += int(delta / record.BlockSize)
	if delta > e.SizeLeft {
		delta = e.SizeLeft
	}
	e.SizeLeft -= delta

	keep := i
	if e.SizeLeft == 0 {
		keep = i + 1
	}
	retired := int(accepted / record.BlockSize)
	l.Rebase(keep, -retired)
	return retired
}

// Rebase drops the entries before index keep and shifts the Start of every
// remaining entry by delta blocks, clamped at zero. Block counters are
// reset.
func (l *Ledger) Rebase(keep, delta int) {
	if keep > len(l.entries) {
		keep = len(l.entries)
	}
	if keep > 0 {
		n := copy(l.entries, l.entries[keep:])
		clear(l.entries[n:])
		l.entries = l.entries[:n]
	}
	for i := range l.entries {
		l.entries[i].Start = max(0, l.entries[i].Start+delta)
		l.entries[i].Blocks = 0
	}
}

// Reset drops every entry.
func (l *Ledger) Reset() {
	clear(l.entries)
	l.entries = l.entries[:0]
}
