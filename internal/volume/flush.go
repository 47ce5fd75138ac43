package volume

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/stats"
)

// ReadErrorMax is the number of read errors tolerated on one record.
const ReadErrorMax = 10

// Flush refills or drains the record, switching volumes as needed. It
// implements record.Flusher.
func (s *Session) Flush() error {
	return s.flush(true)
}

// flush moves one record between the store and the medium. multi selects
// the variant that may switch volumes.
func (s *Session) flush(multi bool) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.access == ModeRead && s.timeToStartWriting {
		s.access = ModeWrite
		s.timeToStartWriting = false
		s.backspaceOutput()
		if end := s.End(); end < s.BlockingFactor() {
			s.ZeroFrom(end)
			s.SetEnd(s.BlockingFactor())
			return nil
		}
	}

	level := s.Rewind()
	if s.access == ModeRead {
		return s.flushRead(multi)
	}
	return s.flushWrite(level, multi)
}

// readRecord performs one read of the medium into buf. End of medium is
// a zero count with a nil error.
func (s *Session) readRecord(buf []byte) (int, error) {
	n, err := s.medium.Read(buf)
	if n > 0 || err == nil || errors.Is(err, io.EOF) {
		return n, nil
	}
	return 0, err
}

// readError logs a read error and decides whether the read may be
// retried.
func (s *Session) readError(err error) error {
	slog.Warn("archive read error", "archive", s.name(), "error", err)
	if s.StartOrdinal() == 0 {
		return fmt.Errorf("%s: %w: %w", s.name(), ErrBeginningOfTape, err)
	}
	s.readErrors++
	if s.readErrors > ReadErrorMax+1 {
		return fmt.Errorf("%s: %w: %w", s.name(), ErrTooManyReadErrors, err)
	}
	return nil
}

func (s *Session) flushRead(multi bool) error {
	s.readErrors = 0

	var (
		n   int
		err error
	)
	for {
		n, err = s.readRecord(s.Record())
		if err == nil {
			break
		}
		if multi && s.opts.MultiVolume && errors.Is(err, syscall.ENOSPC) {
			break
		}
		if rerr := s.readError(err); rerr != nil {
			return rerr
		}
	}

	if n == 0 && multi && s.opts.MultiVolume {
		if err := s.nextReadVolume(); err != nil {
			return err
		}
		if s.Current() == s.End() {
			return s.flush(false)
		}
		return nil
	}

	s.slop = 0
	if n == s.RecordSize() {
		s.recordsRead++
		return nil
	}
	return s.shortRead(n)
}

// shortRead completes a record after a read returned status bytes.
func (s *Session) shortRead(status int) error {
	size := s.RecordSize()
	left := size - status
	rec := s.Record()

	if s.opts.WarnRecordSize && left > 0 && left%record.BlockSize == 0 &&
		s.StartOrdinal() == 0 && status != 0 && isDevice(s.medium) {
		slog.Warn("record size differs from blocking factor",
			"archive", s.name(), "blocks", status/record.BlockSize)
	}

	for left%record.BlockSize != 0 || (left > 0 && status > 0 && s.readFull) {
		if status > 0 {
			for {
				n, err := s.readRecord(rec[size-left:])
				if err == nil {
					status = n
					break
				}
				if rerr := s.readError(err); rerr != nil {
					return rerr
				}
			}
		}
		if status == 0 {
			break
		}
		if !s.readFull {
			return &UnalignedBlockError{Size: size - left}
		}
		left -= status
	}

	s.SetEnd((size - left) / record.BlockSize)
	s.slop = (size - left) % record.BlockSize
	s.recordsRead++
	return nil
}

// writeRecord writes the live record. A configured tape length is
// emulated as ENOSPC.
func (s *Session) writeRecord() (int, error) {
	var (
		n   int
		err error
	)
	switch {
	case s.opts.TapeLength > 0 && s.opts.TapeLength <= s.bytesWritten:
		err = syscall.ENOSPC
	case s.devNull:
		n = s.RecordSize()
	default:
		n, err = s.medium.Write(s.Record())
		if n < s.RecordSize() && err == nil {
			err = io.ErrShortWrite
		}
	}
	if n > 0 && s.opts.MultiVolume && !s.inhibit {
		s.ledger.Flush(int64(n))
	}
	return n, err
}

func (s *Session) flushWrite(level int, multi bool) error {
	status, err := s.writeRecord()
	if !multi {
		if status != s.RecordSize() {
			return s.writeError(status, err)
		}
		s.recordsWritten++
		s.bytesWritten += int64(status)
		return nil
	}

	if status > 0 {
		s.recordsWritten++
	}
	s.bytesWritten += int64(status)
	if status == s.RecordSize() {
		return nil
	}
	if status%record.BlockSize != 0 {
		slog.Error("write did not end on a block boundary", "archive", s.name(), "bytes", status)
		return s.writeError(status, err)
	}
	if !s.opts.MultiVolume || !s.continuable(err) {
		return s.writeError(status, err)
	}
	if err := s.continueWrite(status, level); err != nil {
		s.failed = true
		return err
	}
	return nil
}

func (s *Session) writeError(status int, err error) error {
	s.failed = true
	if s.opts.Totals {
		t := s.Totals()
		slog.Info(stats.FormatTotal("Total bytes written", t.Written, t.Duration))
	}
	return &WriteError{
		Archive: s.name(),
		Status:  status,
		Size:    s.RecordSize(),
		Offset:  s.prevWritten + s.bytesWritten,
		Err:     err,
	}
}

// backspaceOutput moves the medium back over the record just read so
// that it is rewritten. When the medium cannot seek, the part of the
// record before the write position is zeroed instead.
func (s *Session) backspaceOutput() {
	if sk, ok := s.medium.(io.Seeker); ok {
		pos, err := sk.Seek(0, io.SeekCurrent)
		if err == nil {
			pos = max(0, pos-int64(s.End())*record.BlockSize)
			if _, err = sk.Seek(pos, io.SeekStart); err == nil {
				return
			}
		}
	}
	slog.Warn("cannot backspace archive file; it may be unreadable without --ignore-zeros",
		"archive", s.name())
	if s.outputStart > 0 {
		clear(s.Record()[:s.outputStart*record.BlockSize])
	}
}

// SeekArchive skips over size bytes of member data by seeking the medium
// past whole records. It returns the number of blocks skipped; the caller
// consumes the rest normally. Nothing is skipped on media that cannot
// seek.
func (s *Session) SeekArchive(size int64) (int64, error) {
	if !s.seekable || s.End() < s.BlockingFactor() {
		return 0, nil
	}
	start := s.Ordinal()
	factor := int64(s.BlockingFactor())
	recSize := int64(s.RecordSize())
	skipped := (factor - int64(s.Current())) * record.BlockSize
	if size <= skipped {
		return 0, nil
	}
	nrec := (size - skipped) / recSize
	if nrec == 0 {
		return 0, nil
	}

	sk := s.medium.(io.Seeker)
	off, err := sk.Seek(nrec*recSize, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.name(), err)
	}
	off -= s.startOffset
	if off%recSize != 0 {
		return 0, fmt.Errorf("%s: seek not stopped at a record boundary", s.name())
	}

	blocks := off / record.BlockSize
	nblk := blocks - start
	s.recordsRead += nblk / factor
	s.SetStartOrdinal(blocks - factor)
	s.SetCurrent(s.End())
	return nblk, nil
}
