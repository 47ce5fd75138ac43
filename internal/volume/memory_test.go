package volume

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
)

// memVolumes is a set of named in-memory volumes. Each volume accepts at
// most capacity bytes when capacity is positive; a write past it is
// short and fails with ENOSPC.
type memVolumes struct {
	mu       sync.Mutex
	files    map[string][]byte
	capacity int64
}

func newMemVolumes(capacity int64) *memVolumes {
	return &memVolumes{files: make(map[string][]byte), capacity: capacity}
}

func (v *memVolumes) open(_ context.Context, name string, mode Mode) (Medium, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f := &memFile{vols: v, name: name, capacity: v.capacity}
	switch mode {
	case ModeRead:
		data, ok := v.files[name]
		if !ok {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		f.data = append([]byte(nil), data...)
		f.readOnly = true
	case ModeUpdate:
		f.data = append([]byte(nil), v.files[name]...)
	}
	return f, nil
}

func (v *memVolumes) get(name string) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.files[name]
}

func (v *memVolumes) put(name string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[name] = data
}

// memFile is a seekable in-memory medium. Its contents are stored back
// into the volume set on Close.
type memFile struct {
	vols     *memVolumes
	name     string
	data     []byte
	pos      int64
	capacity int64
	readOnly bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.readOnly {
		return 0, errors.New("read only")
	}
	var err error
	if f.capacity > 0 && f.pos+int64(len(p)) > f.capacity {
		p = p[:max(0, f.capacity-f.pos)]
		err = syscall.ENOSPC
	}
	if end := f.pos + int64(len(p)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[f.pos:], p)
	f.pos += int64(len(p))
	return len(p), err
}

func (f *memFile) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		off += f.pos
	case io.SeekEnd:
		off += int64(len(f.data))
	}
	if off < 0 {
		return 0, errors.New("negative position")
	}
	f.pos = off
	return off, nil
}

func (f *memFile) Close() error {
	if !f.readOnly {
		f.vols.put(f.name, f.data)
	}
	return nil
}

// chunkReader returns its chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunkReader) Write([]byte) (int, error) { return 0, errors.New("read only") }
func (c *chunkReader) Close() error              { return nil }

// failingReader returns first, then fails every read.
type failingReader struct {
	first []byte
	reads int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.first != nil {
		n := copy(p, f.first)
		f.first = nil
		return n, nil
	}
	f.reads++
	return 0, syscall.EIO
}

func (f *failingReader) Write([]byte) (int, error) { return 0, errors.New("read only") }
func (f *failingReader) Close() error              { return nil }
