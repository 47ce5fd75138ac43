package tarhdr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/reel/internal/record"
)

var (
	// ErrEndOfArchive is returned when a zero block is found where a
	// header was expected. The zero block is left unconsumed.
	ErrEndOfArchive = errors.New("end of archive")
	// ErrBadHeader is returned for a block that is not a valid header. The
	// block is consumed.
	ErrBadHeader = errors.New("this does not look like a tar archive")
)

// maxMetaSize bounds the data of long-name and extended headers.
const maxMetaSize = 1 << 20

// Reader decodes member headers from a record store.
type Reader struct {
	blocks Blocks

	// Global accumulates the records of every global extended header seen.
	Global []Record
	// StopAtGlobal makes Read return global extended headers as members
	// with Typeflag TypeXGlobal instead of folding them silently.
	StopAtGlobal bool
	// OnData, when set, is called by Skip and CopyTo with the number of
	// member bytes still to come after each chunk.
	OnData func(left int64)
}

// NewReader returns a header reader over b.
func NewReader(b Blocks) *Reader {
	return &Reader{blocks: b}
}

// Read decodes the next member header and consumes its block. Extended and
// long-name headers preceding it are applied to the returned Stat. Member
// data is left for the caller. At the end of the medium io.EOF is
// returned.
func (r *Reader) Read() (*Stat, error) {
	var (
		pending          []Record
		longName, longLn string
		sawX             bool
	)
	for {
		b, err := r.blocks.Next()
		if err != nil {
			return nil, err
		}
		blk := b.Bytes()
		if IsZeroBlock(blk) {
			return nil, ErrEndOfArchive
		}
		r.blocks.ConsumeThrough(b)
		if !ValidChecksum(blk) {
			return nil, ErrBadHeader
		}
		size, err := Numeric(blk, FieldSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}

		switch typ := blk[FieldTypeflag.Off]; typ {
		case TypeXHeader, TypeXGlobal:
			data, err := r.readMeta(size)
			if err != nil {
				return nil, err
			}
			recs, err := ParseRecords(data)
			if err != nil {
				return nil, err
			}
			if typ == TypeXHeader {
				pending = append(pending, recs...)
				sawX = true
				continue
			}
			r.Global = append(r.Global, recs...)
			if r.StopAtGlobal {
				return &Stat{Typeflag: TypeXGlobal, PAX: recs, Header: bytes.Clone(blk)}, nil
			}
			continue
		case TypeLongName, TypeLongLink:
			data, err := r.readMeta(size)
			if err != nil {
				return nil, err
			}
			if i := bytes.IndexByte(data, 0); i >= 0 {
				data = data[:i]
			}
			if typ == TypeLongName {
				longName = string(data)
			} else {
				longLn = string(data)
			}
			continue
		}

		st, err := decode(blk, size, sawX)
		if err != nil {
			return nil, err
		}
		if longName != "" {
			st.Name = longName
		}
		if longLn != "" {
			st.LinkName = longLn
		}
		if err := applyPAX(st, pending); err != nil {
			return nil, err
		}
		st.PAX = pending
		st.OrigName = st.Name
		return st, nil
	}
}

func decode(blk []byte, size int64, sawX bool) (*Stat, error) {
	st := &Stat{
		Header:   bytes.Clone(blk),
		Typeflag: blk[FieldTypeflag.Off],
		LinkName: String(blk, FieldLinkname),
		Size:     size,
	}
	st.ArchiveSize = size

	var err error
	num := func(f Field) int64 {
		v, e := Numeric(blk, f)
		if e != nil && err == nil {
			err = e
		}
		return v
	}
	st.Mode = num(FieldMode)
	st.UID = int(num(FieldUID))
	st.GID = int(num(FieldGID))
	st.ModTime = time.Unix(num(FieldMtime), 0)

	magic := FieldMagic.Slice(blk)
	switch {
	case string(blk[FieldMagic.Off:FieldMagic.Off+8]) == MagicOldGNU:
		st.Format = FormatGNU
	case string(magic) == MagicUstar:
		switch {
		case String(blk, FieldStarXMagic) == strings.TrimRight(StarXMagic, "\x00"):
			st.Format = FormatStar
		case sawX:
			st.Format = FormatPOSIX
		default:
			st.Format = FormatUstar
		}
	default:
		st.Format = FormatV7
	}

	st.Name = String(blk, FieldName)
	switch st.Format {
	case FormatV7:
	case FormatStar:
		if st.Typeflag != TypeGNUSparse {
			if p := String(blk, FieldStarPrefix); p != "" {
				st.Name = p + "/" + st.Name
			}
		}
		st.Uname = String(blk, FieldUname)
		st.Gname = String(blk, FieldGname)
	case FormatGNU:
		st.Uname = String(blk, FieldUname)
		st.Gname = String(blk, FieldGname)
	default:
		if p := String(blk, FieldPrefix); p != "" {
			st.Name = p + "/" + st.Name
		}
		st.Uname = String(blk, FieldUname)
		st.Gname = String(blk, FieldGname)
	}

	if st.Typeflag == TypeMultiVol {
		st.Offset = num(FieldGNUOffset)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	return st, nil
}

func applyPAX(st *Stat, recs []Record) error {
	for _, rec := range recs {
		switch rec.Key {
		case "path":
			st.Name = rec.Value
		case "linkpath":
			st.LinkName = rec.Value
		case "uname":
			st.Uname = rec.Value
		case "gname":
			st.Gname = rec.Value
		case "uid", "gid":
			v, err := strconv.Atoi(rec.Value)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrBadPAXRecord, rec.Key, rec.Value)
			}
			if rec.Key == "uid" {
				st.UID = v
			} else {
				st.GID = v
			}
		case "size":
			v, err := strconv.ParseInt(rec.Value, 10, 64)
			if err != nil || v < 0 {
				return fmt.Errorf("%w: size=%q", ErrBadPAXRecord, rec.Value)
			}
			st.Size, st.ArchiveSize = v, v
		case "mtime":
			f, err := strconv.ParseFloat(rec.Value, 64)
			if err != nil {
				return fmt.Errorf("%w: mtime=%q", ErrBadPAXRecord, rec.Value)
			}
			sec, frac := math.Modf(f)
			st.ModTime = time.Unix(int64(sec), int64(frac*1e9))
		}
	}
	return nil
}

// readMeta reads the data of an extended or long-name header.
func (r *Reader) readMeta(size int64) ([]byte, error) {
	if size < 0 || size > maxMetaSize {
		return nil, fmt.Errorf("%w: extended header of %d bytes", ErrBadHeader, size)
	}
	out := make([]byte, 0, size)
	for left := int(size); left > 0; {
		b, err := r.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("unexpected EOF in archive: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		n := min(left, r.blocks.AvailableAfter(b))
		out = append(out, b.Tail()[:n]...)
		r.blocks.ConsumeBytes(b, n)
		left -= n
	}
	return out, nil
}

// Skip consumes the blocks holding n bytes of member data.
func (r *Reader) Skip(n int64) error {
	for n > 0 {
		b, err := r.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("unexpected EOF in archive: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		k := min(int64(r.blocks.AvailableAfter(b)), n)
		r.blocks.ConsumeBytes(b, int(k))
		n -= k
		if r.OnData != nil {
			r.OnData(n)
		}
	}
	return nil
}

// CopyTo writes n bytes of member data to w.
func (r *Reader) CopyTo(w io.Writer, n int64) error {
	for n > 0 {
		b, err := r.blocks.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("unexpected EOF in archive: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		k := min(int64(r.blocks.AvailableAfter(b)), n)
		r.blocks.ConsumeBytes(b, int(k))
		n -= k
		if r.OnData != nil {
			r.OnData(n)
		}
		if _, err := w.Write(b.Tail()[:k]); err != nil {
			return err
		}
	}
	return nil
}

// BlocksFor returns the number of blocks needed for n bytes.
func BlocksFor(n int64) int64 {
	return (n + record.BlockSize - 1) / record.BlockSize
}
