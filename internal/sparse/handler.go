package sparse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bamsammich/reel/internal/tarhdr"
)

// Codec translates between a sparse map and one on-archive
// representation.
type Codec interface {
	// IsSparseMember reports whether a decoded header describes a sparse
	// member.
	IsSparseMember(st *tarhdr.Stat) bool
	// FixupHeader replaces the archived size in st with the logical size
	// and restores any name the codec rewrote.
	FixupHeader(st *tarhdr.Stat) error
	// DumpHeader writes the member header and any map blocks.
	DumpHeader(h *Handler, m *Member) error
	// DecodeHeader reads the sparse map into st.Sparse, consuming any
	// blocks that carry it.
	DecodeHeader(h *Handler, m *Member) error
}

// Tracker receives multi-volume bookkeeping for the member being
// processed.
type Tracker interface {
	BeginWrite(name string, total, left int64)
	BeginRead(name string, total int64)
	SetSizeLeft(n int64)
	EndMember()
}

type nopTracker struct{}

func (nopTracker) BeginWrite(string, int64, int64) {}
func (nopTracker) BeginRead(string, int64)         {}
func (nopTracker) SetSizeLeft(int64)               {}
func (nopTracker) EndMember()                      {}

// Version is a PAX sparse format version.
type Version struct {
	Major, Minor int
}

// DefaultVersion is the PAX sparse version used for new archives.
var DefaultVersion = Version{1, 0}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// ParseVersion parses "MAJOR[.MINOR]". Supported versions are 0.0, 0.1 and
// 1.0.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultVersion, nil
	}
	majStr, minStr, _ := strings.Cut(s, ".")
	maj, err := strconv.Atoi(majStr)
	if err != nil {
		return Version{}, fmt.Errorf("invalid sparse version %q", s)
	}
	var minor int
	if minStr != "" {
		if minor, err = strconv.Atoi(minStr); err != nil {
			return Version{}, fmt.Errorf("invalid sparse version %q", s)
		}
	}
	v := Version{maj, minor}
	switch v {
	case Version{0, 0}, Version{0, 1}, Version{1, 0}:
		return v, nil
	}
	return Version{}, fmt.Errorf("unsupported sparse version %s", v)
}

// Options configures a Handler.
type Options struct {
	Version    Version // PAX sparse version for new members; see ParseVersion
	Detection  Detection
	StarLegacy bool // write old-style STAR sparse headers
	Tracker    Tracker
}

// Handler dumps, extracts, skims and compares sparse members through a
// record store.
type Handler struct {
	blocks  tarhdr.Blocks
	writer  *tarhdr.Writer
	tracker Tracker
	scanner Scanner
	version Version
	legacy  bool
}

// NewHandler returns a handler reading or writing blocks b. w may be nil
// when the archive is only read.
func NewHandler(b tarhdr.Blocks, w *tarhdr.Writer, opts Options) *Handler {
	h := &Handler{
		blocks:  b,
		writer:  w,
		tracker: opts.Tracker,
		scanner: Scanner{Detection: opts.Detection},
		version: opts.Version,
		legacy:  opts.StarLegacy,
	}
	if h.tracker == nil {
		h.tracker = nopTracker{}
	}
	return h
}

// Scanner returns the handler's map scanner.
func (h *Handler) Scanner() *Scanner { return &h.scanner }

// Select returns the codec for archive format f.
func Select(f tarhdr.Format, v Version, starLegacy bool) (Codec, error) {
	switch f.Resolve() {
	case tarhdr.FormatGNU, tarhdr.FormatOldGNU:
		return gnuCodec{}, nil
	case tarhdr.FormatStar:
		return starCodec{legacy: starLegacy}, nil
	case tarhdr.FormatPOSIX:
		return paxCodec{version: v}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
}

func (h *Handler) codecFor(f tarhdr.Format) (Codec, error) {
	return Select(f, h.version, h.legacy)
}

// Member is the per-member state shared by a codec and the region code.
type Member struct {
	st     *tarhdr.Stat
	rd     io.Reader
	wr     io.Writer
	sk     io.Seeker // nil when the file cannot seek
	offset int64     // file position when sk is nil
	dumped int64     // member bytes moved through the archive so far
}

// Stat returns the member's stat record.
func (m *Member) Stat() *tarhdr.Stat { return m.st }

func newMember(st *tarhdr.Stat, f any) *Member {
	m := &Member{st: st}
	m.rd, _ = f.(io.Reader)
	m.wr, _ = f.(io.Writer)
	if sk, ok := f.(io.Seeker); ok {
		if pos, err := sk.Seek(0, io.SeekStart); err == nil && pos == 0 {
			m.sk = sk
		}
	}
	return m
}

// seekTo positions the file at off, writing zeros up to it when the file
// cannot seek.
func (m *Member) seekTo(off int64) error {
	if m.sk != nil {
		if _, err := m.sk.Seek(off, io.SeekStart); err != nil {
			return fmt.Errorf("%s: cannot seek to %d: %w", m.st.OrigName, off, err)
		}
		return nil
	}
	if off < m.offset || m.wr == nil {
		return fmt.Errorf("%s: cannot seek to %d", m.st.OrigName, off)
	}
	var zero [512]byte
	for m.offset < off {
		n := min(int64(len(zero)), off-m.offset)
		w, err := m.wr.Write(zero[:n])
		m.offset += int64(w)
		if err != nil {
			return fmt.Errorf("%s: cannot seek to %d: %w", m.st.OrigName, off, err)
		}
	}
	return nil
}

func (m *Member) left() int64 { return max(0, m.st.ArchiveSize-m.dumped) }
