package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"strconv"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/index"
	"github.com/bamsammich/reel/internal/record"
	"github.com/bamsammich/reel/internal/sparse"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// memberError is a failure confined to one member. The archive stays
// consistent and the run goes on.
type memberError struct{ err error }

func (e *memberError) Error() string { return e.err.Error() }
func (e *memberError) Unwrap() error { return e.err }

func (r *runner) create() error {
	if r.cfg.Index != nil {
		if err := r.cfg.Index.Reset(); err != nil {
			return err
		}
	}
	if err := r.writeMembers(); err != nil {
		return err
	}
	return r.w.WriteEOF()
}

// append reads to the end of the archive and writes new members over its
// end-of-archive blocks.
func (r *runner) append() error {
	rd := r.reader()
	err := r.readArchive(rd, false, func(st *tarhdr.Stat) error {
		return r.skipMember(rd, st)
	})
	if err != nil {
		return err
	}
	if r.s.EOF() {
		r.s.ResetEOF()
	} else {
		r.s.StartWriting()
	}
	if err := r.writeMembers(); err != nil {
		return err
	}
	return r.w.WriteEOF()
}

func (r *runner) writeMembers() error {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	sc := NewScanner(ScannerConfig{Dir: r.cfg.Dir, Paths: r.cfg.Paths})
	for e := range sc.Scan(ctx) {
		if err := r.writeEntry(e); err != nil {
			return err
		}
	}
	return r.ctx.Err()
}

// writeEntry archives one scanned object. Only errors that leave the
// archive unusable are returned.
func (r *runner) writeEntry(e Entry) error {
	r.stats.AddMembersSeen(1)
	if e.Err != nil {
		r.memberFailed(e.Name, e.Err)
		return nil
	}
	if e.Type == Unsupported {
		slog.Warn("member skipped", "member", e.Name, "error", errUnsupportedType)
		r.memberSkipped(e.Name)
		return nil
	}
	r.emit(event.Event{Type: event.MemberStarted, Path: e.Name, Size: e.Size})

	st := r.statFor(e)
	var err error
	if e.Type == Regular {
		err = r.writeFile(e, st)
	} else {
		err = r.w.Finish(st, r.w.Start(st))
	}
	var me *memberError
	switch {
	case errors.As(err, &me), errors.Is(err, tarhdr.ErrNameTooLong):
		r.memberFailed(e.Name, err)
		return nil
	case err != nil:
		return err
	}

	if r.cfg.Index != nil {
		r.recordIndex(e, st)
	}
	r.memberDone(e.Name, st.Size)
	r.checkVolume()
	return nil
}

// statFor builds the member header of e.
func (r *runner) statFor(e Entry) *tarhdr.Stat {
	st := &tarhdr.Stat{
		Name:     e.Name,
		OrigName: e.Name,
		LinkName: e.LinkTarget,
		Mode:     modeBits(e.Mode),
		UID:      e.UID,
		GID:      e.GID,
		Uname:    r.owners.user(e.UID),
		Gname:    r.owners.group(e.GID),
		ModTime:  e.ModTime,
		Blocks:   e.Blocks,
	}
	switch e.Type {
	case Regular:
		st.Typeflag = tarhdr.TypeReg
		st.Size = e.Size
		st.ArchiveSize = e.Size
	case Dir:
		st.Typeflag = tarhdr.TypeDir
	case Symlink:
		st.Typeflag = tarhdr.TypeSymlink
	case Hardlink:
		st.Typeflag = tarhdr.TypeLink
	case Fifo:
		st.Typeflag = tarhdr.TypeFifo
	}
	return st
}

// writeFile writes a regular file member, as a sparse member when the
// file has holes and sparse archiving is on.
func (r *runner) writeFile(e Entry, st *tarhdr.Stat) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return &memberError{err}
	}
	defer f.Close()

	if r.cfg.Sparse && st.LooksSparse() {
		err := r.sp.DumpFile(f, st)
		switch {
		case err == nil:
			r.stats.AddMembersSparse(1)
			r.emit(event.Event{Type: event.SparseDetected, Path: e.Name, Size: st.Size})
			return nil
		case errors.Is(err, sparse.ErrUnsupportedFormat):
			slog.Debug("storing sparse file as regular member", "member", e.Name, "format", r.w.Format())
			st.Sparse = nil
			st.ArchiveSize = st.Size
		case errors.Is(err, sparse.ErrFileShrank):
			return &memberError{err}
		default:
			return err
		}
	}

	if err := r.w.Finish(st, r.w.Start(st)); err != nil {
		return err
	}
	r.s.BeginWrite(st.Name, st.Size, st.ArchiveSize)
	src := &sourceReader{r: f}
	n, err := r.w.CopyFrom(src, st.ArchiveSize)
	if err == nil {
		return nil
	}
	if src.err == nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	// The header promised ArchiveSize bytes; fill the rest with zeros.
	written := tarhdr.BlocksFor(n) * record.BlockSize
	if perr := r.w.Pad(st.ArchiveSize - written); perr != nil {
		return perr
	}
	if src.err != nil {
		return &memberError{fmt.Errorf("%s: read error at byte %d: %w", e.Path, n, src.err)}
	}
	slog.Warn("file shrank, padding with zeros", "member", e.Name, "bytes", st.ArchiveSize-n)
	return &memberError{fmt.Errorf("%s: %w by %d bytes", e.Path, sparse.ErrFileShrank, st.ArchiveSize-n)}
}

// sourceReader remembers read errors of the file being archived so they
// can be told apart from archive errors.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

func (r *runner) recordIndex(e Entry, st *tarhdr.Stat) {
	ent := index.Entry{
		Name:        st.Name,
		Volume:      r.headerVolume,
		Ordinal:     r.headerOrdinal,
		Size:        st.Size,
		ArchiveSize: st.ArchiveSize,
		Sparse:      st.IsSparse,
		ModTime:     st.ModTime,
	}
	if e.Type == Regular {
		sum, err := index.HashFile(e.Path)
		if err != nil {
			slog.Warn("cannot hash file", "member", e.Name, "error", err)
		}
		ent.Digest = sum
	}
	if err := r.cfg.Index.Record(ent); err != nil {
		slog.Warn("cannot record member in index", "member", e.Name, "error", err)
	}
}

// modeBits converts a file mode to the permission bits of a header.
func modeBits(m fs.FileMode) int64 {
	bits := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// fileMode is the inverse of modeBits.
func fileMode(bits int64) fs.FileMode {
	m := fs.FileMode(bits).Perm()
	if bits&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if bits&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if bits&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// ownerCache resolves user and group names once per id.
type ownerCache struct {
	users  map[int]string
	groups map[int]string
}

func newOwnerCache() *ownerCache {
	return &ownerCache{users: make(map[int]string), groups: make(map[int]string)}
}

func (c *ownerCache) user(uid int) string {
	if name, ok := c.users[uid]; ok {
		return name
	}
	var name string
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

func (c *ownerCache) group(gid int) string {
	if name, ok := c.groups[gid]; ok {
		return name
	}
	var name string
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
