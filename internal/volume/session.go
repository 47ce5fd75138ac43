// Package volume drives an archive medium through a record store. A
// Session reads and writes whole records, detects and undoes compression,
// and carries an archive across several volumes when the medium fills up
// or runs out.
package volume

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/bamsammich/reel/internal/bufmap"
	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
	"github.com/bamsammich/reel/internal/ui"
)

// DefaultBlockingFactor is the number of blocks per record when none is
// configured.
const DefaultBlockingFactor = 20

// Mode is the access a session is opened for.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	// ModeUpdate starts reading and switches to writing at StartWriting.
	ModeUpdate
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeUpdate:
		return "update"
	}
	return "unknown"
}

// Options configures a Session.
type Options struct {
	// Archives names the volumes in the order they are used. "-" is
	// standard input or output.
	Archives        []string
	BlockingFactor  int
	Format          tarhdr.Format
	MultiVolume     bool
	TapeLength      int64 // bytes per volume; zero is unlimited
	ReadFullRecords bool

	// Compress forces a compression scheme; CompressProgram forces an
	// external compression program. Either disables detection.
	Compress        Compression
	CompressProgram string
	// AutoCompress picks the compression of a new archive from its name.
	AutoCompress bool

	Label         string // volume label to write, or glob to match
	VolnoFile     string
	InfoScript    string
	RestrictShell bool
	// ContinueOn lists the write errors that switch volumes in
	// multi-volume mode. Nil means DefaultContinueOn.
	ContinueOn []syscall.Errno

	Subcommand     string // exported to info scripts
	Version        string // exported to info scripts
	BWLimit        int64  // bytes per second; zero is unlimited
	NoSeek         bool
	Totals         bool
	WarnRecordSize bool

	// Open opens volumes; nil means OpenFile.
	Open Opener
	// Prompt and PromptOut carry the volume change dialogue. They default
	// to the terminal.
	Prompt    io.Reader
	PromptOut io.Writer
}

func (o *Options) validate() error {
	if len(o.Archives) == 0 {
		return errors.New("no archive name given")
	}
	if o.BlockingFactor == 0 {
		o.BlockingFactor = DefaultBlockingFactor
	}
	if o.BlockingFactor < 0 || o.BlockingFactor > 1<<20 {
		return fmt.Errorf("invalid blocking factor %d", o.BlockingFactor)
	}
	if o.TapeLength < 0 {
		return fmt.Errorf("invalid tape length %d", o.TapeLength)
	}
	if o.MultiVolume && o.compressed() {
		return errors.New("cannot use multi-volume compressed archives")
	}
	if o.Open == nil {
		o.Open = OpenFile
	}
	if o.ContinueOn == nil {
		o.ContinueOn = DefaultContinueOn
	}
	return nil
}

func (o *Options) compressed() bool {
	return o.Compress != CompressNone || o.CompressProgram != ""
}

// Session is an open archive. It embeds the record store whose blocks
// member headers and data are read from and written to, and refills or
// drains it as the store runs out.
type Session struct {
	*record.Store

	ctx  context.Context
	opts Options

	mode   Mode // as opened
	access Mode // ModeRead or ModeWrite
	medium Medium
	names  []string
	cursor int
	looped bool

	compression Compression
	readFull    bool
	seekable    bool
	startOffset int64
	slop        int
	devNull     bool

	timeToStartWriting bool
	outputStart        int
	inhibit            bool
	ledger             bufmap.Ledger
	failed             bool
	closed             bool

	readErrors     int
	recordsRead    int64
	recordsWritten int64
	bytesWritten   int64
	prevWritten    int64
	volno          int64
	globalVolno    int64

	label           string
	continuedName   string
	continuedSize   int64
	continuedOffset int64

	start    time.Time
	duration time.Duration
	prompt   *bufio.Reader
}

// Open opens the first volume of an archive.
func Open(ctx context.Context, opts Options, mode Mode) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if mode == ModeUpdate && opts.compressed() {
		return nil, ErrCompressedUpdate
	}
	store, err := record.New(opts.BlockingFactor)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Store:       store,
		ctx:         ctx,
		opts:        opts,
		mode:        mode,
		access:      mode,
		names:       append([]string(nil), opts.Archives...),
		readFull:    opts.ReadFullRecords,
		volno:       1,
		globalVolno: 1,
		start:       time.Now(),
	}
	s.SetFlusher(s)
	if mode == ModeUpdate {
		s.access = ModeRead
	}
	if err := s.checkTTY(); err != nil {
		return nil, err
	}
	if opts.VolnoFile != "" {
		if s.globalVolno, err = readVolno(opts.VolnoFile); err != nil {
			return nil, err
		}
	}
	if err := s.open(); err != nil {
		if s.medium != nil {
			s.medium.Close()
		}
		return nil, err
	}

	if opts.Label != "" {
		if mode == ModeWrite {
			err = s.writeVolumeLabel()
		} else {
			err = s.matchVolumeLabel()
		}
		if err != nil {
			s.failed = true
			s.Close()
			return nil, err
		}
	}
	slog.Debug("archive opened", "archive", s.name(), "mode", mode,
		"compression", s.compression, "seekable", s.seekable)
	return s, nil
}

// checkTTY refuses to use a terminal as the "-" archive.
func (s *Session) checkTTY() error {
	if s.names[0] != "-" {
		return nil
	}
	f := os.Stdout
	if s.access == ModeRead {
		f = os.Stdin
	}
	if ui.IsTerminal(f) {
		return ErrTerminal
	}
	return nil
}

func (s *Session) openVolume(name string, mode Mode) (Medium, error) {
	var m Medium
	if name == "-" {
		if mode == ModeUpdate {
			return nil, errors.New("cannot update an archive on standard input")
		}
		s.readFull = true
		m = openStdio(mode)
	} else {
		var err error
		if m, err = s.opts.Open(s.ctx, name, mode); err != nil {
			return nil, err
		}
	}
	if s.opts.BWLimit > 0 {
		m = newThrottled(s.ctx, m, NewBWLimiter(s.opts.BWLimit))
	}
	return m, nil
}

func (s *Session) open() error {
	m, err := s.openVolume(s.name(), s.mode)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", s.name(), err)
	}
	s.medium = m
	if s.mode != ModeWrite {
		s.SetEnd(0)
	}

	switch {
	case s.opts.compressed():
		s.compression = s.opts.Compress
		if s.mode == ModeRead {
			err = s.wrapDecoder(nil)
		} else {
			err = s.wrapEncoder()
		}
	case s.mode == ModeWrite && s.opts.AutoCompress:
		if s.compression = SuffixCompression(s.name()); s.compression != CompressNone {
			err = s.wrapEncoder()
		}
	case s.mode != ModeWrite && !s.opts.MultiVolume:
		err = s.checkCompressed()
	}
	if err != nil {
		return err
	}
	s.statArchive(s.mode)
	return nil
}

// checkCompressed reads the first record and, when it holds a compressed
// stream rather than a tar header, replaces the medium with a decoder.
func (s *Session) checkCompressed() error {
	readFull := s.readFull
	s.readFull = true
	s.SetEnd(0)
	_, err := s.Next()
	s.readFull = readFull
	short := errors.Is(err, io.EOF)
	if err != nil && !short {
		return err
	}

	data := s.Record()[:s.End()*record.BlockSize+s.slop]
	c, tar := Detect(data)
	if tar {
		return nil
	}
	if c == CompressNone {
		c = SuffixCompression(s.name())
	}
	if c == CompressNone {
		if short {
			slog.Warn("this does not look like a tar archive", "archive", s.name())
		}
		return nil
	}
	if s.mode == ModeUpdate {
		return ErrCompressedUpdate
	}
	s.compression = c
	return s.wrapDecoder(append([]byte(nil), data...))
}

// wrapDecoder puts a decoder between the session and the medium. prefix
// holds bytes already read from the medium.
func (s *Session) wrapDecoder(prefix []byte) error {
	var src io.Reader = s.medium
	if len(prefix) > 0 {
		src = io.MultiReader(bytes.NewReader(prefix), s.medium)
	}
	dec, err := newDecoder(s.compression, s.opts.CompressProgram, src)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name(), err)
	}
	s.medium = &filtered{r: dec, base: s.medium}
	s.readFull = true
	s.SetCurrent(0)
	s.SetEnd(0)
	s.SetEOF(false)
	s.recordsRead = 0
	return nil
}

func (s *Session) wrapEncoder() error {
	enc, err := newEncoder(s.compression, s.opts.CompressProgram, s.medium)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name(), err)
	}
	s.medium = &filtered{w: enc, base: s.medium}
	return nil
}

// statArchive records what the medium allows: seeking when reading, the
// null device when writing.
func (s *Session) statArchive(mode Mode) {
	s.seekable, s.devNull = false, false
	if mode != ModeRead {
		s.devNull = isDevNull(s.name(), s.medium)
		return
	}
	if s.opts.MultiVolume || s.compression != CompressNone || s.opts.compressed() || s.opts.NoSeek {
		return
	}
	if pos, ok := seekPosition(s.medium); ok {
		s.startOffset = pos - int64(s.End())*record.BlockSize - int64(s.slop)
		s.seekable = s.startOffset >= 0
	}
}

// StartWriting marks the current block as the point where an update
// session stops reading and starts writing.
func (s *Session) StartWriting() {
	s.timeToStartWriting = true
	s.outputStart = s.Current()
}

// ResetEOF makes a session that read to the end of the medium write from
// there on.
func (s *Session) ResetEOF() {
	if !s.EOF() {
		return
	}
	s.SetEOF(false)
	s.SetCurrent(0)
	s.SetEnd(s.BlockingFactor())
	s.access = ModeWrite
}

// Close drains pending output, closes the medium and saves the volume
// number.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if !s.failed && (s.timeToStartWriting || s.access == ModeWrite) {
		for {
			if err := s.flush(true); err != nil {
				errs = append(errs, err)
				break
			}
			if s.Current() == 0 {
				break
			}
		}
	}
	s.duration = time.Since(s.start)

	if err := s.medium.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		var ce *ChildError
		if errors.As(err, &ce) && s.access == ModeRead && !s.EOF() {
			slog.Debug("compression program stopped early", "archive", s.name(), "error", err)
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", s.name(), err))
		}
	}
	s.Release()
	s.ledger.Reset()
	if s.opts.VolnoFile != "" {
		if err := writeVolno(s.opts.VolnoFile, s.globalVolno); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) name() string { return s.names[s.cursor] }

// Archive returns the name of the current volume.
func (s *Session) Archive() string { return s.name() }

// Mode returns the mode the session was opened for.
func (s *Session) Mode() Mode { return s.mode }

// Compression returns the compression of the archive stream.
func (s *Session) Compression() Compression { return s.compression }

// Seekable reports whether SeekArchive can skip records.
func (s *Session) Seekable() bool { return s.seekable }

// Volume returns the number of the current volume within this run.
func (s *Session) Volume() int64 { return s.volno }

// GlobalVolume returns the volume number kept across runs in the volume
// number file.
func (s *Session) GlobalVolume() int64 { return s.globalVolno }

// VolumeLabel returns the label found on the current volume when
// reading.
func (s *Session) VolumeLabel() string { return s.label }

// Ledger exposes the member ledger of a multi-volume session.
func (s *Session) Ledger() *bufmap.Ledger { return &s.ledger }

// Writer returns a header writer over the session.
func (s *Session) Writer() *tarhdr.Writer {
	return tarhdr.NewWriter(s, s.opts.Format)
}

// Reader returns a header reader over the session.
func (s *Session) Reader() *tarhdr.Reader {
	return tarhdr.NewReader(s)
}

// Totals is the byte accounting of a session.
type Totals struct {
	Read     int64
	Written  int64 // including earlier volumes
	Duration time.Duration
}

// Totals returns the bytes moved so far.
func (s *Session) Totals() Totals {
	d := s.duration
	if !s.closed {
		d = time.Since(s.start)
	}
	return Totals{
		Read:     s.recordsRead * int64(s.RecordSize()),
		Written:  s.prevWritten + s.bytesWritten,
		Duration: d,
	}
}

// BeginWrite records that the data of a member starts at the current
// block.
func (s *Session) BeginWrite(name string, total, left int64) {
	if s.opts.MultiVolume {
		s.ledger.Begin(s.Current(), name, total, left)
	}
}

// BeginRead records the member whose data is about to be read.
func (s *Session) BeginRead(name string, total int64) {
	if s.opts.MultiVolume {
		s.ledger.Begin(0, name, total, total)
	}
}

// SetSizeLeft records how much of the member being read is still to come.
func (s *Session) SetSizeLeft(n int64) {
	s.ledger.SetSizeLeft(n)
}

// EndMember forgets the member being read.
func (s *Session) EndMember() {
	if s.opts.MultiVolume && s.access == ModeRead {
		s.ledger.Reset()
	}
}
