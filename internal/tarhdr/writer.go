package tarhdr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/reel/internal/record"
)

// ErrNameTooLong is returned when a member name cannot be represented in
// the selected archive format.
var ErrNameTooLong = errors.New("file name too long for archive format")

// Blocks is the view of the record store that header and data writers
// work through.
type Blocks interface {
	Next() (record.Block, error)
	ConsumeThrough(record.Block)
	ConsumeBytes(record.Block, int)
	AvailableAfter(record.Block) int
	Ordinal() int64
}

// Writer emits member headers and data into a record store.
type Writer struct {
	blocks Blocks
	format Format

	// X holds the extended records of the member being written. They are
	// emitted, and X reset, by Finish.
	X XHeader
	// Global holds records for the next global extended header.
	Global XHeader

	// OnHeader, when set, is called with the block ordinal of every member
	// header written by Finish.
	OnHeader func(st *Stat, ordinal int64)

	globalSeq int
}

// NewWriter returns a writer for format f over b.
func NewWriter(b Blocks, f Format) *Writer {
	return &Writer{blocks: b, format: f.Resolve()}
}

// Format returns the archive format being written.
func (w *Writer) Format() Format { return w.format }

// Blocks returns the underlying block source.
func (w *Writer) Blocks() Blocks { return w.blocks }

// Start builds the main header block of st in a scratch buffer. The
// caller may adjust the block before handing it to Finish.
func (w *Writer) Start(st *Stat) []byte {
	blk := make([]byte, record.BlockSize)
	PutString(blk, FieldName, st.Name)
	PutNumeric(blk, FieldMode, st.Mode&0o7777)
	PutNumeric(blk, FieldUID, int64(st.UID))
	PutNumeric(blk, FieldGID, int64(st.GID))
	PutNumeric(blk, FieldSize, st.ArchiveSize)
	PutNumeric(blk, FieldMtime, st.ModTime.Unix())
	blk[FieldTypeflag.Off] = st.Typeflag
	PutString(blk, FieldLinkname, st.LinkName)

	switch w.format {
	case FormatV7:
		return blk
	case FormatGNU, FormatOldGNU:
		PutString(blk, Field{FieldMagic.Off, 8}, MagicOldGNU)
	case FormatStar:
		PutString(blk, FieldMagic, MagicUstar)
		PutString(blk, FieldVersion, VersionUstar)
		PutString(blk, FieldStarXMagic, StarXMagic)
	default:
		PutString(blk, FieldMagic, MagicUstar)
		PutString(blk, FieldVersion, VersionUstar)
	}
	PutString(blk, FieldUname, st.Uname)
	PutString(blk, FieldGname, st.Gname)
	return blk
}

// Finish completes hdr, writing any long-name or extended header the
// format requires before it, and stores it in the next block.
func (w *Writer) Finish(st *Stat, hdr []byte) error {
	switch w.format {
	case FormatGNU, FormatOldGNU:
		limit := NameFieldSize
		if w.format == FormatOldGNU {
			limit--
		}
		if len(st.LinkName) > limit {
			if err := w.writeLong(TypeLongLink, st.LinkName); err != nil {
				return err
			}
		}
		if len(st.Name) > limit {
			if err := w.writeLong(TypeLongName, st.Name); err != nil {
				return err
			}
		}
	case FormatPOSIX:
		if len(st.Name) > NameFieldSize && !splitName(hdr, st.Name, FieldPrefix) {
			w.X.Store("path", st.Name)
		}
		if len(st.LinkName) > NameFieldSize {
			w.X.Store("linkpath", st.LinkName)
		}
		if !fitsOctal(st.ArchiveSize, FieldSize.Len-1) {
			w.X.StoreInt("size", st.ArchiveSize)
			PutNumeric(hdr, FieldSize, 0)
		}
		if !w.X.Empty() {
			if err := w.WriteExtended(false, FormatName("%d/PaxHeaders/%f", st.Name, 0)); err != nil {
				return err
			}
		}
	case FormatUstar, FormatStar:
		prefix := FieldPrefix
		if w.format == FormatStar {
			prefix = FieldStarPrefix
		}
		if len(st.Name) > NameFieldSize && !splitName(hdr, st.Name, prefix) {
			return fmt.Errorf("%s: %w", st.Name, ErrNameTooLong)
		}
	case FormatV7:
		if len(st.Name) > NameFieldSize {
			return fmt.Errorf("%s: %w", st.Name, ErrNameTooLong)
		}
	}
	SetChecksum(hdr)
	return w.emit(st, hdr)
}

// splitName stores name across the prefix and name fields.
func splitName(hdr []byte, name string, prefix Field) bool {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] != '/' {
			continue
		}
		if i <= prefix.Len && len(name)-i-1 <= NameFieldSize && len(name)-i-1 > 0 {
			PutString(hdr, prefix, name[:i])
			PutString(hdr, FieldName, name[i+1:])
			return true
		}
	}
	return false
}

func (w *Writer) emit(st *Stat, hdr []byte) error {
	b, err := w.blocks.Next()
	if err != nil {
		return err
	}
	ordinal := w.blocks.Ordinal()
	copy(b.Bytes(), hdr)
	w.blocks.ConsumeThrough(b)
	if w.OnHeader != nil && st != nil {
		w.OnHeader(st, ordinal)
	}
	return nil
}

func (w *Writer) writeLong(typ byte, name string) error {
	data := name + "\x00"
	st := &Stat{
		Name:        "././@LongLink",
		ArchiveSize: int64(len(data)),
		Typeflag:    typ,
		ModTime:     time.Unix(0, 0),
	}
	hdr := w.Start(st)
	SetChecksum(hdr)
	if err := w.emit(nil, hdr); err != nil {
		return err
	}
	return w.WriteData([]byte(data))
}

// WriteExtended writes the pending per-member (global == false) or global
// extended records as an extended header named name, then resets them. It
// is a no-op when there are no records.
func (w *Writer) WriteExtended(global bool, name string) error {
	x, typ := &w.X, TypeXHeader
	if global {
		x, typ = &w.Global, TypeXGlobal
		if name == "" {
			w.globalSeq++
			name = FormatName(path.Join(os.TempDir(), "GlobalHead.%p.%n"), "", w.globalSeq)
		}
	}
	if x.Empty() {
		return nil
	}
	data := x.Encode()
	x.Reset()
	if len(name) > NameFieldSize {
		name = name[:NameFieldSize]
	}
	st := &Stat{
		Name:        name,
		Mode:        0o644,
		ArchiveSize: int64(len(data)),
		Typeflag:    typ,
		ModTime:     time.Now(),
	}
	hdr := w.Start(st)
	SetChecksum(hdr)
	if err := w.emit(nil, hdr); err != nil {
		return err
	}
	return w.WriteData(data)
}

// WriteVolumeLabel marks the archive with label. POSIX archives carry the
// label in the global extended header; every other format uses a volume
// header block.
func (w *Writer) WriteVolumeLabel(label string, when time.Time) error {
	if w.format == FormatPOSIX {
		w.Global.Store("GNU.volume.label", label)
		return nil
	}
	hdr := w.special(label, TypeVolHdr)
	PutNumeric(hdr, FieldMtime, when.Unix())
	SetChecksum(hdr)
	return w.emit(nil, hdr)
}

// WriteMultiVolume writes a GNU continuation header: the member name, the
// bytes of it stored from here on, and the offset they resume at. Names
// longer than the name field are truncated.
func (w *Writer) WriteMultiVolume(name string, size, offset int64) error {
	hdr := w.special(name, TypeMultiVol)
	PutNumeric(hdr, FieldSize, size)
	PutNumeric(hdr, FieldGNUOffset, offset)
	SetChecksum(hdr)
	return w.emit(nil, hdr)
}

// special starts a volume or continuation header block. GNU formats
// carry their magic on them.
func (w *Writer) special(name string, typ byte) []byte {
	hdr := make([]byte, record.BlockSize)
	PutString(hdr, FieldName, name)
	hdr[FieldTypeflag.Off] = typ
	if w.format == FormatGNU || w.format == FormatOldGNU {
		PutString(hdr, Field{FieldMagic.Off, 8}, MagicOldGNU)
	}
	return hdr
}

// WriteData copies data into the archive, zero padding the final block.
func (w *Writer) WriteData(data []byte) error {
	for len(data) > 0 {
		b, err := w.blocks.Next()
		if err != nil {
			return err
		}
		tail := b.Tail()
		n := copy(tail, data)
		if pad := n % record.BlockSize; pad != 0 {
			clear(tail[n : n+record.BlockSize-pad])
		}
		w.blocks.ConsumeBytes(b, n)
		data = data[n:]
	}
	return nil
}

// CopyFrom copies n bytes from r into the archive, zero padding the final
// block. It returns the number of bytes read from r; fewer than n bytes
// means r ended early, and the error is io.ErrUnexpectedEOF unless r
// reported something else.
func (w *Writer) CopyFrom(r io.Reader, n int64) (int64, error) {
	var done int64
	for done < n {
		b, err := w.blocks.Next()
		if err != nil {
			return done, err
		}
		tail := b.Tail()
		want := int(min(int64(len(tail)), n-done))
		got, rerr := io.ReadFull(r, tail[:want])
		if pad := got % record.BlockSize; pad != 0 {
			clear(tail[got : got+record.BlockSize-pad])
		}
		w.blocks.ConsumeBytes(b, got)
		done += int64(got)
		if got < want {
			if rerr == nil || errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			return done, rerr
		}
	}
	return done, nil
}

// Pad writes zero blocks covering n bytes.
func (w *Writer) Pad(n int64) error {
	for n > 0 {
		b, err := w.blocks.Next()
		if err != nil {
			return err
		}
		clear(b.Bytes())
		w.blocks.ConsumeThrough(b)
		n -= record.BlockSize
	}
	return nil
}

// WriteEOF writes the end-of-archive marker: one zero block, then zeros
// through the end of the record.
func (w *Writer) WriteEOF() error {
	b, err := w.blocks.Next()
	if err != nil {
		return err
	}
	clear(b.Bytes())
	w.blocks.ConsumeThrough(b)
	b, err = w.blocks.Next()
	if err != nil {
		return err
	}
	clear(b.Tail())
	w.blocks.ConsumeThrough(b.Plus(w.blocks.AvailableAfter(b)/record.BlockSize - 1))
	return nil
}

// FormatName expands a header name pattern: %d is the directory of name,
// %f its base name, %p the process id, %n the sequence number n and %% a
// literal percent sign.
func FormatName(pattern, name string, n int) string {
	var sb strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i == len(pattern)-1 {
			sb.WriteByte(c)
			continue
		}
		i++
		switch pattern[i] {
		case 'd':
			sb.WriteString(path.Dir(strings.TrimSuffix(name, "/")))
		case 'f':
			sb.WriteString(path.Base(name))
		case 'p':
			sb.WriteString(strconv.Itoa(os.Getpid()))
		case 'n':
			sb.WriteString(strconv.Itoa(n))
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte('%')
			sb.WriteByte(pattern[i])
		}
	}
	return sb.String()
}
