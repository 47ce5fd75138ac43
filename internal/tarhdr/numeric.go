package tarhdr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrBadNumber is returned for numeric header fields that cannot be
// decoded.
var ErrBadNumber = errors.New("invalid numeric header field")

// PutNumeric stores v in field f as zero-padded octal followed by a NUL.
// Values that do not fit are stored in base-256 (GNU) form.
func PutNumeric(blk []byte, f Field, v int64) {
	dst := f.Slice(blk)
	digits := f.Len - 1
	if v >= 0 && fitsOctal(v, digits) {
		s := strconv.FormatInt(v, 8)
		for i := 0; i < digits-len(s); i++ {
			dst[i] = '0'
		}
		copy(dst[digits-len(s):], s)
		dst[digits] = 0
		return
	}
	putBase256(dst, v)
}

func fitsOctal(v int64, digits int) bool {
	if digits >= 21 {
		return true
	}
	return v < int64(1)<<(3*digits)
}

// putBase256 stores v as a big-endian two's complement number with the
// high bit of the first byte set.
func putBase256(dst []byte, v int64) {
	u := uint64(v)
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(u)
		if v < 0 {
			u = u>>8 | 0xff<<56
		} else {
			u >>= 8
		}
	}
	dst[0] |= 0x80
}

// Numeric decodes field f of blk. Leading spaces are skipped and the
// number ends at the first space or NUL. An empty field decodes as 0.
func Numeric(blk []byte, f Field) (int64, error) {
	return ParseNumeric(f.Slice(blk))
}

// ParseNumeric decodes an octal or base-256 numeric field.
func ParseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		return parseBase256(b)
	}
	i := 0
	for i < len(b) && b[i] == ' ' {
		i++
	}
	var v int64
	for ; i < len(b); i++ {
		c := b[i]
		if c == 0 || c == ' ' {
			break
		}
		if c < '0' || c > '7' {
			return 0, fmt.Errorf("%w: %q", ErrBadNumber, b)
		}
		if v > (math.MaxInt64-7)/8 {
			return 0, fmt.Errorf("%w: %q overflows", ErrBadNumber, b)
		}
		v = v*8 + int64(c-'0')
	}
	return v, nil
}

func parseBase256(b []byte) (int64, error) {
	first := b[0] & 0x7f
	if first&0x40 != 0 {
		first |= 0x80 // sign bit
	}
	v := int64(int8(first))
	for _, c := range b[1:] {
		if v > math.MaxInt64>>8 || v < math.MinInt64>>8 {
			return 0, fmt.Errorf("%w: base-256 value overflows", ErrBadNumber)
		}
		v = v<<8 | int64(c)
	}
	return v, nil
}

// Checksum computes the header checksum of blk, treating the checksum
// field as spaces.
func Checksum(blk []byte) (unsigned, signed int64) {
	for i, c := range blk[:512] {
		if i >= FieldChksum.Off && i < FieldChksum.Off+FieldChksum.Len {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return unsigned, signed
}

// SetChecksum stores the checksum of blk in its checksum field as six
// octal digits, a NUL and a space.
func SetChecksum(blk []byte) {
	sum, _ := Checksum(blk)
	dst := FieldChksum.Slice(blk)
	s := strconv.FormatInt(sum, 8)
	for i := 0; i < 6-len(s); i++ {
		dst[i] = '0'
	}
	copy(dst[6-len(s):6], s)
	dst[6] = 0
	dst[7] = ' '
}

// ValidChecksum reports whether blk carries a correct header checksum.
func ValidChecksum(blk []byte) bool {
	want, err := Numeric(blk, FieldChksum)
	if err != nil {
		return false
	}
	unsigned, signed := Checksum(blk)
	return want == unsigned || want == signed
}
