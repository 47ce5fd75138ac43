package volume

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// Compression identifies the compression scheme of an archive stream.
type Compression int

const (
	CompressNone Compression = iota
	CompressCompress
	CompressGzip
	CompressBzip2
	CompressLzip
	CompressLzma
	CompressLzop
	CompressXz
	CompressZstd
	CompressLz4
)

var compressionNames = [...]string{
	CompressNone:     "none",
	CompressCompress: "compress",
	CompressGzip:     "gzip",
	CompressBzip2:    "bzip2",
	CompressLzip:     "lzip",
	CompressLzma:     "lzma",
	CompressLzop:     "lzop",
	CompressXz:       "xz",
	CompressZstd:     "zstd",
	CompressLz4:      "lz4",
}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return "unknown"
}

// ParseCompression parses a compression name. The empty string is
// CompressNone.
func ParseCompression(s string) (Compression, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CompressNone, nil
	}
	for i, n := range compressionNames {
		if n == s {
			return Compression(i), nil
		}
	}
	return CompressNone, fmt.Errorf("unknown compression %q", s)
}

// Program returns the external program that handles c.
func (c Compression) Program() string {
	switch c {
	case CompressNone:
		return ""
	case CompressZstd:
		return "zstd"
	}
	return c.String()
}

// standard stream signatures, checked in order
var magics = []struct {
	c   Compression
	sig string
}{
	{CompressCompress, "\x1f\x9d"},
	{CompressGzip, "\x1f\x8b"},
	{CompressBzip2, "BZh"},
	{CompressLzip, "LZIP"},
	{CompressLzma, "\xffLZMA"},
	{CompressLzma, "\x5d\x00\x00"},
	{CompressLzop, "\x89LZO"},
	{CompressXz, "\xfd7zXZ"},
	{CompressZstd, "\x28\xb5\x2f\xfd"},
	{CompressLz4, "\x04\x22\x4d\x18"},
}

var suffixes = []struct {
	sfx string
	c   Compression
}{
	{".gz", CompressGzip},
	{".tgz", CompressGzip},
	{".taz", CompressGzip},
	{".Z", CompressCompress},
	{".taZ", CompressCompress},
	{".bz2", CompressBzip2},
	{".tbz", CompressBzip2},
	{".tbz2", CompressBzip2},
	{".tz2", CompressBzip2},
	{".lz", CompressLzip},
	{".lzma", CompressLzma},
	{".tlz", CompressLzma},
	{".lzo", CompressLzop},
	{".xz", CompressXz},
	{".txz", CompressXz},
	{".zst", CompressZstd},
	{".tzst", CompressZstd},
	{".lz4", CompressLz4},
}

// SuffixCompression guesses the compression of an archive from its file
// name.
func SuffixCompression(name string) Compression {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s.sfx) {
			return s.c
		}
	}
	return CompressNone
}

// Detect classifies the first bytes of an archive. tar reports an
// uncompressed archive starting with a valid member header.
func Detect(rec []byte) (c Compression, tar bool) {
	if len(rec) >= record.BlockSize && looksLikeTar(rec[:record.BlockSize]) {
		return CompressNone, true
	}
	for _, m := range magics {
		if bytes.HasPrefix(rec, []byte(m.sig)) {
			return m.c, false
		}
	}
	return CompressNone, false
}

func looksLikeTar(blk []byte) bool {
	magic := string(tarhdr.FieldMagic.Slice(blk))
	gnu := string(blk[tarhdr.FieldMagic.Off : tarhdr.FieldMagic.Off+8])
	if magic != tarhdr.MagicUstar && gnu != tarhdr.MagicOldGNU {
		return false
	}
	return tarhdr.ValidChecksum(blk)
}

// newDecoder returns a reader of the decompressed stream r. A non-empty
// program is always run externally.
func newDecoder(c Compression, program string, r io.Reader) (io.ReadCloser, error) {
	if program == "" {
		switch c {
		case CompressGzip:
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("gzip decoder: %w", err)
			}
			return zr, nil
		case CompressBzip2:
			return io.NopCloser(bzip2.NewReader(r)), nil
		case CompressZstd:
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("zstd decoder: %w", err)
			}
			return zr.IOReadCloser(), nil
		case CompressLz4:
			return io.NopCloser(lz4.NewReader(r)), nil
		}
		program = c.Program()
	}
	p, err := startDecompressor(program, r)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// newEncoder returns a writer compressing into w.
func newEncoder(c Compression, program string, w io.Writer) (io.WriteCloser, error) {
	if program == "" {
		switch c {
		case CompressGzip:
			return gzip.NewWriter(w), nil
		case CompressZstd:
			zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil, fmt.Errorf("zstd encoder: %w", err)
			}
			return zw, nil
		case CompressLz4:
			return lz4.NewWriter(w), nil
		}
		program = c.Program()
	}
	p, err := startCompressor(program, w)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// filterProcess is an external compression program connected to the
// archive by a pipe.
type filterProcess struct {
	cmd *exec.Cmd
	rc  io.ReadCloser
	wc  io.WriteCloser
}

func command(program string, args ...string) (*exec.Cmd, error) {
	argv := strings.Fields(program)
	if len(argv) == 0 {
		return nil, errors.New("empty compression program")
	}
	return exec.Command(argv[0], append(argv[1:], args...)...), nil
}

func startDecompressor(program string, r io.Reader) (*filterProcess, error) {
	cmd, err := command(program, "-d")
	if err != nil {
		return nil, err
	}
	cmd.Stdin = r
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot run %s: %w", program, err)
	}
	return &filterProcess{cmd: cmd, rc: out}, nil
}

func startCompressor(program string, w io.Writer) (*filterProcess, error) {
	cmd, err := command(program)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot run %s: %w", program, err)
	}
	return &filterProcess{cmd: cmd, wc: in}, nil
}

func (p *filterProcess) Read(b []byte) (int, error)  { return p.rc.Read(b) }
func (p *filterProcess) Write(b []byte) (int, error) { return p.wc.Write(b) }

// Close closes the pipe and waits for the program to exit.
func (p *filterProcess) Close() error {
	if p.rc != nil {
		p.rc.Close()
	}
	if p.wc != nil {
		p.wc.Close()
	}
	if err := p.cmd.Wait(); err != nil {
		return &ChildError{Program: p.cmd.Path, Err: err}
	}
	return nil
}

// filtered is a medium whose bytes pass through a compression codec.
type filtered struct {
	r    io.ReadCloser
	w    io.WriteCloser
	base Medium
}

func (f *filtered) Read(p []byte) (int, error) {
	if f.r == nil {
		return 0, errors.New("compressed archive is open for writing")
	}
	return f.r.Read(p)
}

func (f *filtered) Write(p []byte) (int, error) {
	if f.w == nil {
		return 0, errors.New("compressed archive is open for reading")
	}
	return f.w.Write(p)
}

func (f *filtered) Close() error {
	var errs []error
	if f.r != nil {
		errs = append(errs, f.r.Close())
	}
	if f.w != nil {
		errs = append(errs, f.w.Close())
	}
	errs = append(errs, f.base.Close())
	return errors.Join(errs...)
}
