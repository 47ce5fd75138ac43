package tarhdr

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrBadPAXRecord is returned for malformed extended header records.
var ErrBadPAXRecord = errors.New("malformed extended header record")

// Record is one extended header keyword/value pair.
type Record struct {
	Key   string
	Value string
}

// XHeader accumulates extended header records in insertion order.
// Repeated keywords are kept, since the PAX 0.0 sparse encoding relies on
// them.
type XHeader struct {
	Records []Record
}

// Store appends a record.
func (x *XHeader) Store(key, value string) {
	x.Records = append(x.Records, Record{Key: key, Value: value})
}

// StoreInt appends a decimal integer record.
func (x *XHeader) StoreInt(key string, v int64) {
	x.Store(key, strconv.FormatInt(v, 10))
}

// Empty reports whether no records are pending.
func (x *XHeader) Empty() bool { return len(x.Records) == 0 }

// Reset drops all records.
func (x *XHeader) Reset() { x.Records = x.Records[:0] }

// Get returns the last value stored for key.
func (x *XHeader) Get(key string) (string, bool) {
	for i := len(x.Records) - 1; i >= 0; i-- {
		if x.Records[i].Key == key {
			return x.Records[i].Value, true
		}
	}
	return "", false
}

// Encode returns the records in "LEN KEY=VALUE\n" form.
func (x *XHeader) Encode() []byte {
	var buf bytes.Buffer
	for _, r := range x.Records {
		buf.WriteString(FormatRecord(r.Key, r.Value))
	}
	return buf.Bytes()
}

// FormatRecord formats one extended header record. The leading length
// counts itself.
func FormatRecord(key, value string) string {
	body := " " + key + "=" + value + "\n"
	n := len(body) + 1
	for {
		s := strconv.Itoa(n)
		if len(s)+len(body) == n {
			return s + body
		}
		n = len(s) + len(body)
	}
}

// ParseRecords decodes a block of extended header records. Trailing NUL
// padding is ignored.
func ParseRecords(data []byte) ([]Record, error) {
	var out []Record
	for len(data) > 0 {
		if data[0] == 0 {
			break
		}
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("%w: missing length", ErrBadPAXRecord)
		}
		n, err := strconv.Atoi(string(data[:sp]))
		if err != nil || n <= sp+1 || n > len(data) {
			return nil, fmt.Errorf("%w: bad length %q", ErrBadPAXRecord, data[:sp])
		}
		rec := data[sp+1 : n]
		if rec[len(rec)-1] != '\n' {
			return nil, fmt.Errorf("%w: missing newline", ErrBadPAXRecord)
		}
		rec = rec[:len(rec)-1]
		eq := bytes.IndexByte(rec, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: missing '='", ErrBadPAXRecord)
		}
		out = append(out, Record{Key: string(rec[:eq]), Value: string(rec[eq+1:])})
		data = data[n:]
	}
	return out, nil
}
