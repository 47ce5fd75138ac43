// Package sparse builds, encodes and reconstructs the sparse maps of
// archive members in the legacy GNU, STAR and PAX representations.
package sparse

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// Detection selects how holes are found when a file is dumped.
type Detection int

const (
	// DetectDefault probes with SEEK_DATA/SEEK_HOLE and falls back to a
	// raw scan.
	DetectDefault Detection = iota
	// DetectSeek is DetectDefault requested explicitly.
	DetectSeek
	// DetectRaw always reads the whole file.
	DetectRaw
)

var detectionNames = [...]string{
	DetectDefault: "default",
	DetectSeek:    "seek",
	DetectRaw:     "raw",
}

func (d Detection) String() string {
	if int(d) < len(detectionNames) {
		return detectionNames[d]
	}
	return "unknown"
}

// ParseDetection parses a hole detection method name.
func ParseDetection(s string) (Detection, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DetectDefault, nil
	}
	for i, n := range detectionNames {
		if n == s {
			return Detection(i), nil
		}
	}
	return DetectDefault, fmt.Errorf("unknown hole detection method %q", s)
}

// File is a source file being scanned or dumped.
type File interface {
	io.Reader
	io.Seeker
}

// Scanner builds sparse maps. The seek strategy is disabled for the rest of
// the run the first time the file system turns out not to support it.
type Scanner struct {
	Detection Detection

	seekBroken bool
}

// SeekBroken reports whether seek probing has been disqualified.
func (s *Scanner) SeekBroken() bool { return s.seekBroken }

// Scan fills st.Sparse with the map of f and sets st.ArchiveSize to the
// number of data bytes. The map always ends with a zero-length entry at
// the end of the file.
func (s *Scanner) Scan(f File, st *tarhdr.Stat) error {
	st.Sparse = st.Sparse[:0]
	st.ArchiveSize = 0

	if st.Blocks == 0 {
		st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: st.Size})
		return nil
	}

	if s.Detection != DetectRaw && !s.seekBroken {
		ok, err := s.scanSeek(f, st)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		st.Sparse = st.Sparse[:0]
		st.ArchiveSize = 0
	}
	return scanRaw(f, st)
}

func (s *Scanner) scanSeek(f File, st *tarhdr.Stat) (bool, error) {
	fd, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return false, nil
	}
	var offset int64
	for {
		data, err := seekData(fd.Fd(), offset)
		if err != nil {
			switch {
			case isENXIO(err):
				st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: st.Size})
				return true, nil
			case isUnsupported(err):
				s.disableSeek(st, err)
				return false, nil
			}
			return false, fmt.Errorf("%s: seek data: %w", st.OrigName, err)
		}
		hole, err := seekHole(fd.Fd(), data)
		if err != nil {
			switch {
			case isENXIO(err):
				hole = st.Size
			case isUnsupported(err):
				s.disableSeek(st, err)
				return false, nil
			default:
				return false, fmt.Errorf("%s: seek hole: %w", st.OrigName, err)
			}
		}
		hole = min(hole, st.Size)

		if offset == 0 && data == 0 && hole == st.Size {
			// A single region covering the whole file: SEEK_HOLE is
			// emulated on top of plain lseek.
			s.disableSeek(st, nil)
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return false, fmt.Errorf("%s: %w", st.OrigName, err)
			}
			return false, nil
		}
		if hole <= data {
			st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: st.Size})
			return true, nil
		}

		st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: data, Numbytes: hole - data})
		st.ArchiveSize += hole - data
		offset = hole
	}
}

func (s *Scanner) disableSeek(st *tarhdr.Stat, err error) {
	s.seekBroken = true
	slog.Debug("seek hole detection unavailable, using raw scan",
		"member", st.OrigName, "error", err)
}

// scanRaw reads f in block-sized chunks and coalesces runs of non-zero
// chunks.
func scanRaw(f File, st *tarhdr.Stat) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%s: %w", st.OrigName, err)
	}
	buf := make([]byte, record.BlockSize)
	var (
		offset int64
		cur    tarhdr.Extent
	)
	for {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%s: read at %d: %w", st.OrigName, offset, err)
		}
		if n == 0 {
			break
		}
		if isZero(buf[:n]) {
			if cur.Numbytes > 0 {
				st.Sparse = append(st.Sparse, cur)
				cur.Numbytes = 0
			}
		} else {
			if cur.Numbytes == 0 {
				cur.Offset = offset
			}
			cur.Numbytes += int64(n)
			st.ArchiveSize += int64(n)
		}
		offset += int64(n)
		if n < len(buf) {
			break
		}
	}
	if cur.Numbytes > 0 {
		st.Sparse = append(st.Sparse, cur)
	}
	st.Sparse = append(st.Sparse, tarhdr.Extent{Offset: offset})
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// DataSize returns the number of non-hole bytes described by m.
func DataSize(m []tarhdr.Extent) int64 {
	var n int64
	for _, e := range m {
		n += e.Numbytes
	}
	return n
}
