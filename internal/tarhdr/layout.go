// Package tarhdr holds the on-archive block layouts (ustar, old GNU, STAR)
// and the member header reader and writer that drive the record store.
package tarhdr

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bamsammich/reel/internal/record"
)

// Field is a byte range of a header block.
type Field struct {
	Off, Len int
}

// Slice returns the field's bytes within blk.
func (f Field) Slice(blk []byte) []byte { return blk[f.Off : f.Off+f.Len] }

// Plus returns the field moved by n bytes.
func (f Field) Plus(n int) Field { return Field{f.Off + n, f.Len} }

// POSIX ustar header fields.
var (
	FieldName     = Field{0, 100}
	FieldMode     = Field{100, 8}
	FieldUID      = Field{108, 8}
	FieldGID      = Field{116, 8}
	FieldSize     = Field{124, 12}
	FieldMtime    = Field{136, 12}
	FieldChksum   = Field{148, 8}
	FieldTypeflag = Field{156, 1}
	FieldLinkname = Field{157, 100}
	FieldMagic    = Field{257, 6}
	FieldVersion  = Field{263, 2}
	FieldUname    = Field{265, 32}
	FieldGname    = Field{297, 32}
	FieldDevmajor = Field{329, 8}
	FieldDevminor = Field{337, 8}
	FieldPrefix   = Field{345, 155}
)

// Old GNU header fields.
var (
	FieldGNUAtime      = Field{345, 12}
	FieldGNUCtime      = Field{357, 12}
	FieldGNUOffset     = Field{369, 12}
	FieldGNUSparse     = Field{386, SparseEntrySize * SparsesInOldGNUHeader}
	FieldGNUIsExtended = Field{482, 1}
	FieldGNURealsize   = Field{483, 12}
)

// STAR header fields.
var (
	FieldStarPrefix     = Field{345, 131}
	FieldStarIsExtended = Field{355, 1}
	FieldStarSparse     = Field{356, SparseEntrySize * SparsesInStarHeader}
	FieldStarRealsize   = Field{452, 12}
	FieldStarOffset     = Field{464, 12}
	FieldStarAtime      = Field{476, 12}
	FieldStarCtime      = Field{488, 12}
	FieldStarXMagic     = Field{508, 4}
)

// Sparse extension block fields, shared by old GNU and STAR.
var (
	FieldExtSparse     = Field{0, SparseEntrySize * SparsesInExtHeader}
	FieldExtIsExtended = Field{504, 1}
)

// Sparse table geometry. Each entry is an offset[12], numbytes[12] pair.
const (
	SparseEntrySize       = 24
	SparsesInOldGNUHeader = 4
	SparsesInStarHeader   = 4
	SparsesInExtHeader    = 21
)

// SparseOffset returns the offset field of entry i of a table starting at
// table.
func SparseOffset(table Field, i int) Field {
	return Field{table.Off + i*SparseEntrySize, 12}
}

// SparseNumbytes returns the numbytes field of entry i of a table starting
// at table.
func SparseNumbytes(table Field, i int) Field {
	return Field{table.Off + i*SparseEntrySize + 12, 12}
}

// Typeflags.
const (
	TypeReg       byte = '0'
	TypeRegA      byte = 0
	TypeLink      byte = '1'
	TypeSymlink   byte = '2'
	TypeChar      byte = '3'
	TypeBlock     byte = '4'
	TypeDir       byte = '5'
	TypeFifo      byte = '6'
	TypeCont      byte = '7'
	TypeXHeader   byte = 'x'
	TypeXGlobal   byte = 'g'
	TypeLongLink  byte = 'K'
	TypeLongName  byte = 'L'
	TypeMultiVol  byte = 'M'
	TypeGNUSparse byte = 'S'
	TypeVolHdr    byte = 'V'
)

// Magic strings.
const (
	MagicUstar   = "ustar\x00"
	VersionUstar = "00"
	MagicOldGNU  = "ustar  \x00" // magic + version
	StarXMagic   = "tar\x00"
)

// NameFieldSize is the length of the name field.
const NameFieldSize = 100

// Format is an archive format.
type Format int

const (
	FormatDefault Format = iota
	FormatV7
	FormatOldGNU
	FormatUstar
	FormatPOSIX
	FormatStar
	FormatGNU
)

var formatNames = [...]string{
	FormatDefault: "default",
	FormatV7:      "v7",
	FormatOldGNU:  "oldgnu",
	FormatUstar:   "ustar",
	FormatPOSIX:   "posix",
	FormatStar:    "star",
	FormatGNU:     "gnu",
}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "unknown"
}

// ParseFormat parses a format name. "pax" is an alias for posix.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "pax" {
		return FormatPOSIX, nil
	}
	for i, n := range formatNames {
		if n == s {
			return Format(i), nil
		}
	}
	return FormatDefault, fmt.Errorf("unknown archive format %q", s)
}

// Resolve maps FormatDefault to the default archive format.
func (f Format) Resolve() Format {
	if f == FormatDefault {
		return FormatGNU
	}
	return f
}

// PutString copies s into field f of blk, NUL padding it. It returns false
// when s does not fit.
func PutString(blk []byte, f Field, s string) bool {
	dst := f.Slice(blk)
	clear(dst)
	n := copy(dst, s)
	return n == len(s)
}

// String returns field f of blk up to the first NUL.
func String(blk []byte, f Field) string {
	b := f.Slice(blk)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// IsZeroBlock reports whether blk holds only zero bytes.
func IsZeroBlock(blk []byte) bool {
	for _, c := range blk[:record.BlockSize] {
		if c != 0 {
			return false
		}
	}
	return true
}
