package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/index"
	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/sparse"
	"github.com/bamsammich/reel/internal/stats"
	"github.com/bamsammich/reel/internal/tarhdr"
	"github.com/bamsammich/reel/internal/volume"
)

// Op selects what Run does with the archive.
type Op int

const (
	OpCreate Op = iota
	OpExtract
	OpList
	OpDiff
	OpAppend
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpExtract:
		return "extract"
	case OpList:
		return "list"
	case OpDiff:
		return "diff"
	case OpAppend:
		return "append"
	}
	return "unknown"
}

func (o Op) mode() volume.Mode {
	switch o {
	case OpCreate:
		return volume.ModeWrite
	case OpAppend:
		return volume.ModeUpdate
	}
	return volume.ModeRead
}

var (
	// ErrMembersFailed is returned when the run finished but some members
	// could not be processed.
	ErrMembersFailed = errors.New("some members could not be processed")
	// ErrMembersDiffer is returned by a diff run that found differences.
	ErrMembersDiffer = errors.New("some members differ")
)

// Config describes an archive operation.
type Config struct {
	Op     Op
	Volume volume.Options

	Paths []string // files to archive for create and append
	Dir   string   // directory files are read from or extracted to

	Sparse        bool // detect and store sparse files when writing
	SparseOptions sparse.Options

	IgnoreZeros  bool // read past zero blocks instead of stopping
	KeepOldFiles bool // do not overwrite existing files on extract
	Verbose      bool // long listing
	Out          io.Writer

	Index  *index.Index
	Events event.Sink
	Stats  *stats.Collector
}

// Result is the outcome of an archive operation.
type Result struct {
	Stats  stats.Snapshot
	Totals volume.Totals
	Err    error
}

// Run executes an archive operation, blocking until complete.
func Run(ctx context.Context, cfg Config) Result {
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	cfg.Volume.Subcommand = cfg.Op.String()

	s, err := volume.Open(ctx, cfg.Volume, cfg.Op.mode())
	if err != nil {
		return Result{Stats: cfg.Stats.Snapshot(), Err: err}
	}
	r := newRunner(ctx, cfg, s)
	r.emit(event.Event{Type: event.VolumeOpened, Archive: s.Archive(), Volume: s.GlobalVolume()})

	var runErr error
	switch cfg.Op {
	case OpCreate:
		runErr = r.create()
	case OpAppend:
		runErr = r.append()
	case OpExtract:
		runErr = r.extract()
	case OpList:
		runErr = r.list()
	case OpDiff:
		runErr = r.diff()
	default:
		runErr = fmt.Errorf("unknown operation %d", cfg.Op)
	}
	closeErr := s.Close()
	r.checkVolume()
	if cfg.Index != nil {
		if err := cfg.Index.Flush(); err != nil {
			slog.Warn("cannot write index", "index", cfg.Index.Path(), "error", err)
		}
	}

	cfg.Stats.SetVolumes(s.Volume())
	snap := cfg.Stats.Snapshot()
	err = errors.Join(runErr, closeErr)
	if err == nil {
		switch {
		case snap.MembersFailed > 0:
			err = ErrMembersFailed
		case snap.MembersDiffer > 0:
			err = ErrMembersDiffer
		}
	}
	r.emit(event.Event{Type: event.EndOfArchive, Archive: s.Archive(), Volume: s.GlobalVolume(), Error: err})
	return Result{Stats: snap, Totals: s.Totals(), Err: err}
}

// runner carries the state of one operation over an open session.
type runner struct {
	ctx    context.Context
	cfg    Config
	s      *volume.Session
	sp     *sparse.Handler
	w      *tarhdr.Writer
	stats  *stats.Collector
	volume int64 // last volume reported

	headerOrdinal int64
	headerVolume  int64
	badRun        bool // inside a run of bad header blocks
	dirs          []dirMeta
	owners        *ownerCache
}

func newRunner(ctx context.Context, cfg Config, s *volume.Session) *runner {
	r := &runner{
		ctx:    ctx,
		cfg:    cfg,
		s:      s,
		stats:  cfg.Stats,
		volume: s.GlobalVolume(),
		owners: newOwnerCache(),
	}
	opts := cfg.SparseOptions
	opts.Tracker = s
	if cfg.Op == OpCreate || cfg.Op == OpAppend {
		r.w = s.Writer()
		r.w.OnHeader = r.onHeader
	}
	r.sp = sparse.NewHandler(s, r.w, opts)
	return r
}

func (r *runner) emit(ev event.Event) {
	r.cfg.Events.Emit(ev)
}

// checkVolume reports a volume change since the last call.
func (r *runner) checkVolume() {
	if v := r.s.GlobalVolume(); v != r.volume {
		r.volume = v
		r.emit(event.Event{Type: event.VolumeChanged, Archive: r.s.Archive(), Volume: v})
	}
}

func (r *runner) onHeader(_ *tarhdr.Stat, ordinal int64) {
	r.headerOrdinal = ordinal
	r.headerVolume = r.s.GlobalVolume()
}

func (r *runner) memberDone(name string, size int64) {
	r.stats.AddMembersDone(1)
	r.stats.AddBytesMoved(size)
	r.emit(event.Event{Type: event.MemberCompleted, Path: name, Size: size, Volume: r.s.GlobalVolume()})
}

func (r *runner) memberFailed(name string, err error) {
	slog.Warn("member failed", "member", name, "error", err)
	r.stats.AddMembersFailed(1)
	r.emit(event.Event{Type: event.MemberFailed, Path: name, Error: err, Volume: r.s.GlobalVolume()})
}

func (r *runner) memberDiffers(name string, err error) {
	r.stats.AddMembersDiffer(1)
	r.emit(event.Event{Type: event.MemberDiffers, Path: name, Error: err, Volume: r.s.GlobalVolume()})
}

func (r *runner) memberSkipped(name string) {
	r.emit(event.Event{Type: event.MemberSkipped, Path: name, Volume: r.s.GlobalVolume()})
}

// readArchive decodes member headers until the end of the archive and
// hands each to fn, which must consume the member data. Volume headers
// are skipped.
func (r *runner) readArchive(rd *tarhdr.Reader, ignoreZeros bool, fn func(*tarhdr.Stat) error) error {
	first := true
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		st, err := rd.Read()
		r.checkVolume()
		switch {
		case errors.Is(err, tarhdr.ErrEndOfArchive):
			if !ignoreZeros {
				return nil
			}
			if err := r.skipZeroBlock(); err != nil {
				return err
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, tarhdr.ErrBadHeader):
			if first {
				return fmt.Errorf("%s: %w", r.s.Archive(), err)
			}
			if !r.badRun {
				r.badRun = true
				slog.Warn("skipping to next header", "archive", r.s.Archive())
				r.stats.AddMembersFailed(1)
			}
			continue
		case err != nil:
			return err
		}
		r.badRun = false

		if st.Typeflag == tarhdr.TypeVolHdr {
			slog.Debug("volume label", "archive", r.s.Archive(), "label", st.Name)
			continue
		}
		if st.Typeflag == tarhdr.TypeMultiVol {
			if !first {
				return fmt.Errorf("%s: unexpected continuation header for %s", r.s.Archive(), st.Name)
			}
			first = false
			slog.Warn("archive starts in the middle of a member, skipping it",
				"archive", r.s.Archive(), "member", st.Name)
			if err := r.skipData(rd, st.ArchiveSize); err != nil {
				return err
			}
			continue
		}
		first = false

		r.stats.AddMembersSeen(1)
		if err := fn(st); err != nil {
			return err
		}
	}
}

func (r *runner) skipZeroBlock() error {
	b, err := r.s.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	r.s.ConsumeThrough(b)
	return nil
}

// skipData consumes n bytes of member data, seeking over whole records
// when the medium allows it.
func (r *runner) skipData(rd *tarhdr.Reader, n int64) error {
	nblk, err := r.s.SeekArchive(n)
	if err != nil {
		return err
	}
	return rd.Skip(max(0, n-nblk*record.BlockSize))
}

// reader returns a header reader that keeps the session's member ledger
// current while member data is consumed.
func (r *runner) reader() *tarhdr.Reader {
	rd := r.s.Reader()
	rd.OnData = r.s.SetSizeLeft
	return rd
}

// skipMember consumes the data of st without using it.
func (r *runner) skipMember(rd *tarhdr.Reader, st *tarhdr.Stat) error {
	isSparse := r.sp.IsSparseMember(st)
	if isSparse {
		if err := r.sp.FixupHeader(st); err != nil {
			return err
		}
	}
	return r.discard(rd, st, isSparse)
}

// discard consumes the data of a member whose header was already fixed
// up.
func (r *runner) discard(rd *tarhdr.Reader, st *tarhdr.Stat, isSparse bool) error {
	if isSparse {
		r.s.BeginRead(st.Name, st.Size)
		defer r.s.EndMember()
		return r.sp.SkimFile(st)
	}
	if !hasData(st.Typeflag) {
		return nil
	}
	r.s.BeginRead(st.Name, st.ArchiveSize)
	defer r.s.EndMember()
	return r.skipData(rd, st.ArchiveSize)
}

// hasData reports whether members of type typ carry data blocks.
func hasData(typ byte) bool {
	switch typ {
	case tarhdr.TypeLink, tarhdr.TypeSymlink, tarhdr.TypeChar, tarhdr.TypeBlock,
		tarhdr.TypeDir, tarhdr.TypeFifo:
		return false
	}
	return true
}

func isRegular(typ byte) bool {
	switch typ {
	case tarhdr.TypeReg, tarhdr.TypeRegA, tarhdr.TypeCont, tarhdr.TypeGNUSparse:
		return true
	}
	return false
}
