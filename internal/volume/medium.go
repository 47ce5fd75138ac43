package volume

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// Medium is one open archive volume.
type Medium interface {
	io.Reader
	io.Writer
	io.Closer
}

// Opener opens the archive volume name for mode. Remote media plug in
// here; OpenFile is the default.
type Opener func(ctx context.Context, name string, mode Mode) (Medium, error)

// OpenFile opens a local file or device.
func OpenFile(_ context.Context, name string, mode Mode) (Medium, error) {
	switch mode {
	case ModeRead:
		return os.Open(name)
	case ModeWrite:
		return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	default:
		return os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o666)
	}
}

// stdio is the "-" archive: standard input when reading, standard output
// when writing. Closing it leaves the streams open.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

func openStdio(mode Mode) Medium {
	if mode == ModeRead {
		return stdio{Reader: os.Stdin, Writer: noWriter{}}
	}
	return stdio{Reader: eofReader{}, Writer: os.Stdout}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

type noWriter struct{}

func (noWriter) Write([]byte) (int, error) { return 0, errors.New("standard input is not writable") }

// NewBWLimiter creates a rate.Limiter that caps archive throughput to
// bytesPerSec. The burst is set to 1 MB so whole records pass without
// splitting.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// throttled wraps a medium and enforces a rate limit on both directions.
type throttled struct {
	Medium
	limiter *rate.Limiter
	ctx     context.Context
}

func newThrottled(ctx context.Context, m Medium, limiter *rate.Limiter) *throttled {
	return &throttled{Medium: m, limiter: limiter, ctx: ctx}
}

func (t *throttled) Read(p []byte) (int, error) {
	n, err := t.Medium.Read(p)
	if n > 0 {
		if waitErr := t.wait(n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (t *throttled) Write(p []byte) (int, error) {
	if err := t.wait(len(p)); err != nil {
		return 0, err
	}
	return t.Medium.Write(p)
}

// wait takes n tokens in chunks no larger than the burst.
func (t *throttled) wait(n int) error {
	for n > 0 {
		k := min(n, t.limiter.Burst())
		if err := t.limiter.WaitN(t.ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func (t *throttled) Seek(off int64, whence int) (int64, error) {
	if s, ok := t.Medium.(io.Seeker); ok {
		return s.Seek(off, whence)
	}
	return 0, ErrNotSeekable
}

func (t *throttled) Stat() (os.FileInfo, error) {
	return statMedium(t.Medium)
}

type stater interface {
	Stat() (os.FileInfo, error)
}

var errNoStat = errors.New("medium has no file information")

func statMedium(m Medium) (os.FileInfo, error) {
	if s, ok := m.(stater); ok {
		return s.Stat()
	}
	return nil, errNoStat
}

// isDevice reports whether m is a character or block device.
func isDevice(m Medium) bool {
	fi, err := statMedium(m)
	return err == nil && fi.Mode()&os.ModeDevice != 0
}

// isStream reports whether m is a pipe or socket, which cannot seek even
// when the seek call succeeds.
func isStream(m Medium) bool {
	fi, err := statMedium(m)
	return err == nil && fi.Mode()&(os.ModeNamedPipe|os.ModeSocket) != 0
}

// isDevNull reports whether the volume is the null device.
func isDevNull(name string, m Medium) bool {
	if name == os.DevNull {
		return true
	}
	fi, err := statMedium(m)
	if err != nil {
		return false
	}
	null, err := os.Stat(os.DevNull)
	return err == nil && os.SameFile(fi, null)
}

// seekPosition returns the current offset of m, or false when m cannot
// seek.
func seekPosition(m Medium) (int64, bool) {
	s, ok := m.(io.Seeker)
	if !ok || isStream(m) {
		return 0, false
	}
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}
	return pos, true
}
