package volume

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// ContinuationOutcome is the result of one attempt to switch to the next
// volume while reading.
type ContinuationOutcome int

const (
	// Continue means the new volume is in place.
	Continue ContinuationOutcome = iota
	// Retry means the volume was unusable and another should be tried.
	Retry
	// Abort means the run cannot go on.
	Abort
)

func (o ContinuationOutcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	}
	return "unknown"
}

// DefaultContinueOn lists the write errors that mean the volume is full.
var DefaultContinueOn = []syscall.Errno{unix.ENOSPC, unix.EIO, unix.ENXIO}

// ParseErrno resolves a symbolic error name such as "ENOSPC".
func ParseErrno(name string) (syscall.Errno, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for e := syscall.Errno(1); e < 256; e++ {
		if unix.ErrnoName(e) == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown error name %q", name)
}

func (s *Session) continuable(err error) bool {
	for _, e := range s.opts.ContinueOn {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// simpleFlusher flushes without switching volumes. It is used while the
// volume controller itself reads or writes volume headers.
type simpleFlusher struct{ s *Session }

func (f simpleFlusher) Flush() error { return f.s.flush(false) }

// simpleBlocks is the session seen through the simple flusher.
type simpleBlocks struct{ *Session }

func (b simpleBlocks) Next() (record.Block, error) {
	return b.NextWith(simpleFlusher{b.Session})
}

func (s *Session) increaseVolume() {
	s.globalVolno++
	s.volno++
}

// newVolume closes the current volume and opens the next one, prompting
// once every configured name has been used.
func (s *Session) newVolume(mode Mode) error {
	if s.globalVolno == math.MaxInt64 {
		return ErrVolumeOverflow
	}
	s.label, s.continuedName = "", ""
	s.continuedSize, s.continuedOffset = 0, 0
	s.SetCurrent(0)

	if err := s.medium.Close(); err != nil {
		slog.Warn("cannot close archive volume", "archive", s.name(), "error", err)
	}
	s.cursor++
	if s.cursor == len(s.names) {
		s.cursor = 0
		s.looped = true
	}

	prompt := s.looped
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if prompt {
			if err := s.promptVolume(); err != nil {
				return err
			}
		}
		m, err := s.openVolume(s.name(), mode)
		if err == nil {
			s.medium = m
			break
		}
		slog.Warn("cannot open archive volume", "archive", s.name(), "error", err)
		prompt = true
	}
	s.statArchive(mode)
	slog.Debug("volume opened", "archive", s.name(), "volume", s.globalVolno+1)
	return nil
}

// nextReadVolume switches volumes at the end of a volume being read.
func (s *Session) nextReadVolume() error {
	for {
		outcome, err := s.tryNewVolume()
		switch outcome {
		case Continue:
			return nil
		case Abort:
			return err
		}
		slog.Warn("volume rejected", "archive", s.name(), "error", err)
	}
}

// tryNewVolume opens the next volume for reading and checks that it
// continues the member left incomplete on the previous one.
func (s *Session) tryNewVolume() (ContinuationOutcome, error) {
	acc := ModeRead
	if s.mode == ModeUpdate {
		acc = ModeUpdate
	}
	if err := s.newVolume(acc); err != nil {
		return Abort, err
	}
	s.SetEOF(false)
	s.SetEnd(s.BlockingFactor())

	var n int
	for {
		var err error
		if n, err = s.readRecord(s.Record()); err == nil {
			break
		}
		if rerr := s.readError(err); rerr != nil {
			return Abort, rerr
		}
	}
	s.slop = 0
	if n == s.RecordSize() {
		s.recordsRead++
	} else if err := s.shortRead(n); err != nil {
		return Abort, err
	}

	blocks := simpleBlocks{s}
	b, err := blocks.Next()
	if err != nil {
		return Retry, fmt.Errorf("%s: %w", s.name(), tarhdr.ErrBadHeader)
	}

	r := tarhdr.NewReader(blocks)
	switch b.Bytes()[tarhdr.FieldTypeflag.Off] {
	case tarhdr.TypeXGlobal:
		r.StopAtGlobal = true
		st, err := r.Read()
		if err != nil || st.Typeflag != tarhdr.TypeXGlobal {
			return Retry, fmt.Errorf("%s: %w", s.name(), tarhdr.ErrBadHeader)
		}
		if err := s.decodeVolumeRecords(st.PAX); err != nil {
			return Retry, err
		}
		if s.continuedName == "" {
			break
		}
		// The chunk header of the continued member follows. A volume split
		// inside an extended header leaves a bad block here instead, which
		// is left alone.
		nb, err := blocks.Next()
		if err != nil || tarhdr.IsZeroBlock(nb.Bytes()) {
			return Retry, fmt.Errorf("%s: %w", s.name(), tarhdr.ErrBadHeader)
		}
		if tarhdr.ValidChecksum(nb.Bytes()) {
			r.StopAtGlobal = false
			if _, err := r.Read(); err != nil {
				return Retry, fmt.Errorf("%s: %w", s.name(), err)
			}
		}
	case tarhdr.TypeVolHdr:
		st, err := r.Read()
		if err != nil {
			return Retry, fmt.Errorf("%s: %w", s.name(), err)
		}
		s.label = st.Name
		nb, err := blocks.Next()
		if err != nil || nb.Bytes()[tarhdr.FieldTypeflag.Off] != tarhdr.TypeMultiVol {
			break
		}
		fallthrough
	case tarhdr.TypeMultiVol:
		st, err := r.Read()
		if err != nil {
			return Retry, fmt.Errorf("%s: %w", s.name(), err)
		}
		s.continuedName = st.Name
		s.continuedSize = st.Size
		s.continuedOffset = st.Offset
	}

	if s.opts.Label != "" && s.label != "" && !s.checkLabelPattern(s.label) {
		return Retry, fmt.Errorf("%w: volume %q does not match %q", ErrLabelMismatch, s.label, s.opts.Label)
	}
	if err := s.checkSequence(); err != nil {
		return Abort, err
	}
	s.increaseVolume()
	return Continue, nil
}

func (s *Session) decodeVolumeRecords(recs []tarhdr.Record) error {
	for _, r := range recs {
		switch r.Key {
		case keyVolumeLabel:
			s.label = r.Value
		case keyVolumeFilename:
			s.continuedName = r.Value
		case keyVolumeSize, keyVolumeOffset:
			v, err := strconv.ParseInt(r.Value, 10, 64)
			if err != nil || v < 0 {
				return fmt.Errorf("%s: %w: %s=%q", s.name(), tarhdr.ErrBadPAXRecord, r.Key, r.Value)
			}
			if r.Key == keyVolumeSize {
				s.continuedSize = v
			} else {
				s.continuedOffset = v
			}
		}
	}
	return nil
}

// checkSequence compares the continuation header of the new volume with
// the member left incomplete on the previous one.
func (s *Session) checkSequence() error {
	head := s.ledger.Head()
	if head == nil {
		return nil
	}
	if s.continuedName == "" {
		return &SequenceError{Name: head.Name, Reason: "is not continued on this volume"}
	}
	if s.continuedName != head.Name {
		f := s.opts.Format.Resolve()
		if (f == tarhdr.FormatGNU || f == tarhdr.FormatOldGNU) &&
			len(head.Name) >= tarhdr.NameFieldSize &&
			s.continuedName == head.Name[:tarhdr.NameFieldSize] {
			slog.Warn("member is possibly continued on this volume: header contains truncated name",
				"member", head.Name)
		} else {
			return &SequenceError{Name: head.Name, Reason: "is not continued on this volume"}
		}
	}
	sum := s.continuedSize + s.continuedOffset
	if sum < s.continuedSize || sum != head.SizeTotal {
		return &SequenceError{
			Name: s.continuedName,
			Reason: fmt.Sprintf("is the wrong size (%d != %d + %d)",
				head.SizeTotal, s.continuedSize, s.continuedOffset),
		}
	}
	if head.SizeTotal-head.SizeLeft != s.continuedOffset {
		return &SequenceError{
			Name: s.continuedName,
			Reason: fmt.Sprintf("volume is out of sequence (%d - %d != %d)",
				head.SizeTotal, head.SizeLeft, s.continuedOffset),
		}
	}
	return nil
}

// continueWrite moves to the next volume after a record was written only
// up to status bytes. The unwritten part of the record, up to level,
// follows the new volume's headers.
func (s *Session) continueWrite(status, level int) error {
	if err := s.newVolume(ModeWrite); err != nil {
		return err
	}
	s.increaseVolume()
	s.prevWritten += s.bytesWritten
	s.bytesWritten = 0

	old := s.Swap()
	var tail []byte
	if status < level {
		tail = old[status:level]
	}

	s.inhibit = true
	blocks := simpleBlocks{s}
	w := tarhdr.NewWriter(blocks, s.opts.Format)
	if s.opts.Label != "" {
		if err := w.WriteVolumeLabel(s.volumeLabel(), s.start); err != nil {
			return err
		}
	}
	head := s.ledger.Head()
	continued := head != nil && head.Start == 0
	if continued {
		if err := s.writeMultiVolumeHeader(w, head.Name, head.SizeTotal, head.SizeLeft); err != nil {
			return err
		}
	}
	if err := w.WriteExtended(true, ""); err != nil {
		return err
	}
	if continued && w.Format() == tarhdr.FormatPOSIX {
		st := &tarhdr.Stat{
			Name:        tarhdr.FormatName("%d/GNUFileParts/%f.%n", head.Name, int(s.volno)),
			Mode:        0o644,
			UID:         os.Getuid(),
			GID:         os.Getgid(),
			Size:        head.SizeLeft,
			ArchiveSize: head.SizeLeft,
			Typeflag:    tarhdr.TypeReg,
			ModTime:     time.Unix(0, 0),
		}
		if err := w.Finish(st, w.Start(st)); err != nil {
			return err
		}
	}

	b, err := blocks.Next()
	if err != nil {
		return err
	}
	s.ledger.Rebase(0, b.Index())
	s.inhibit = false

	for {
		dst := b.Tail()
		n := copy(dst, tail)
		tail = tail[n:]
		if len(tail) == 0 {
			clear(dst[n:])
			s.ConsumeBytes(b, n)
			break
		}
		s.ConsumeBytes(b, n)
		if b, err = blocks.Next(); err != nil {
			return err
		}
	}
	_, err = blocks.Next()
	return err
}

func (s *Session) writeMultiVolumeHeader(w *tarhdr.Writer, name string, total, left int64) error {
	if w.Format() == tarhdr.FormatPOSIX {
		w.Global.Store(keyVolumeFilename, name)
		w.Global.StoreInt(keyVolumeSize, left)
		w.Global.StoreInt(keyVolumeOffset, total-left)
		return nil
	}
	if len(name) > tarhdr.NameFieldSize {
		slog.Warn("file name too long to be stored in a GNU multivolume header, truncated", "member", name)
		name = name[:tarhdr.NameFieldSize]
	}
	return w.WriteMultiVolume(name, left, total-left)
}
