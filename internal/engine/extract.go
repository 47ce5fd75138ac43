package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/index"
	"github.com/bamsammich/reel/internal/platform"
	"github.com/bamsammich/reel/internal/tarhdr"
)

// dirMeta is a directory whose mode and time are restored once its
// contents are in place.
type dirMeta struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
}

// ErrDigestMismatch is reported for an extracted file whose contents do
// not match the digest in the index.
var ErrDigestMismatch = errors.New("contents do not match index digest")

func (r *runner) extract() error {
	dir := r.cfg.Dir
	if dir == "" {
		dir = "."
	}
	rd := r.reader()
	err := r.readArchive(rd, r.cfg.IgnoreZeros, func(st *tarhdr.Stat) error {
		return r.extractMember(rd, st, dir)
	})
	r.finishDirs()
	return err
}

// extractMember restores one member below dir and consumes its data.
// Only archive errors are returned.
func (r *runner) extractMember(rd *tarhdr.Reader, st *tarhdr.Stat, dir string) error {
	isSparse := r.sp.IsSparseMember(st)
	if isSparse {
		if err := r.sp.FixupHeader(st); err != nil {
			r.memberFailed(st.Name, err)
			return r.skipData(rd, st.ArchiveSize)
		}
	}
	r.emit(event.Event{Type: event.MemberStarted, Path: st.Name, Size: st.Size})

	target, err := safeJoin(dir, st.Name)
	if err != nil {
		r.memberFailed(st.Name, err)
		return r.discard(rd, st, isSparse)
	}

	switch st.Typeflag {
	case tarhdr.TypeDir:
		err = r.extractDir(target, st)
	case tarhdr.TypeSymlink:
		err = r.extractSymlink(target, st)
	case tarhdr.TypeLink:
		err = r.extractHardlink(dir, target, st)
	case tarhdr.TypeFifo:
		err = r.extractFifo(target, st)
	case tarhdr.TypeChar, tarhdr.TypeBlock:
		slog.Warn("device member not extracted", "member", st.Name)
		r.memberSkipped(st.Name)
		return nil
	default:
		if !isRegular(st.Typeflag) {
			slog.Warn("unknown file type, extracted as regular file",
				"member", st.Name, "type", string(st.Typeflag))
		}
		return r.extractFile(rd, target, st, isSparse)
	}
	if err != nil {
		r.memberFailed(st.Name, err)
		return nil
	}
	r.memberDone(st.Name, st.Size)
	return nil
}

// prepare makes room for a new file at target: its parent directories
// exist and any old non-directory is removed.
func (r *runner) prepare(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_, err := os.Lstat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case r.cfg.KeepOldFiles:
		return &fs.PathError{Op: "extract", Path: target, Err: fs.ErrExist}
	}
	return os.Remove(target)
}

func (r *runner) extractDir(target string, st *tarhdr.Stat) error {
	if err := os.MkdirAll(target, 0o700); err != nil {
		return err
	}
	r.dirs = append(r.dirs, dirMeta{path: target, mode: fileMode(st.Mode), modTime: st.ModTime})
	r.chown(target, st)
	return nil
}

func (r *runner) extractSymlink(target string, st *tarhdr.Stat) error {
	if err := r.prepare(target); err != nil {
		return err
	}
	if err := os.Symlink(st.LinkName, target); err != nil {
		return err
	}
	r.chown(target, st)
	return setModTime(target, st.ModTime, true)
}

func (r *runner) extractHardlink(dir, target string, st *tarhdr.Stat) error {
	old, err := safeJoin(dir, st.LinkName)
	if err != nil {
		return err
	}
	if err := r.prepare(target); err != nil {
		return err
	}
	return os.Link(old, target)
}

func (r *runner) extractFifo(target string, st *tarhdr.Stat) error {
	if err := r.prepare(target); err != nil {
		return err
	}
	if err := unix.Mkfifo(target, uint32(st.Mode&0o777)); err != nil {
		return &fs.PathError{Op: "mkfifo", Path: target, Err: err}
	}
	return r.restoreAttrs(target, st)
}

// extractFile writes the data of a regular or sparse member to target.
func (r *runner) extractFile(rd *tarhdr.Reader, target string, st *tarhdr.Stat, isSparse bool) error {
	if err := r.prepare(target); err != nil {
		r.memberFailed(st.Name, err)
		return r.discard(rd, st, isSparse)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		r.memberFailed(st.Name, err)
		return r.discard(rd, st, isSparse)
	}

	var digest *index.Digest
	if isSparse {
		r.s.BeginRead(st.Name, st.Size)
		left, err := r.sp.ExtractFile(f, st)
		if err != nil {
			r.s.EndMember()
			f.Close()
			r.memberFailed(st.Name, err)
			return r.skipData(rd, left)
		}
		r.s.EndMember()
	} else {
		platform.Preallocate(f, st.Size)
		out := &sinkWriter{w: f}
		var w io.Writer = out
		if r.cfg.Index != nil {
			digest = index.NewDigest()
			w = io.MultiWriter(out, digest)
		}
		r.s.BeginRead(st.Name, st.ArchiveSize)
		err := rd.CopyTo(w, st.ArchiveSize)
		r.s.EndMember()
		if err != nil {
			f.Close()
			return err
		}
		if out.err != nil {
			f.Close()
			r.memberFailed(st.Name, out.err)
			return nil
		}
	}
	if err := f.Close(); err != nil {
		r.memberFailed(st.Name, err)
		return nil
	}
	if isSparse {
		r.stats.AddMembersSparse(1)
	}
	if err := r.restoreAttrs(target, st); err != nil {
		slog.Warn("cannot restore file attributes", "member", st.Name, "error", err)
	}
	if r.cfg.Index != nil {
		r.verify(target, st, digest)
	}
	r.memberDone(st.Name, st.Size)
	return nil
}

// verify compares an extracted file with the digest recorded in the
// index when the archive was written.
func (r *runner) verify(target string, st *tarhdr.Stat, digest *index.Digest) {
	ent, ok, err := r.cfg.Index.Lookup(st.Name)
	if err != nil {
		slog.Warn("cannot read index", "member", st.Name, "error", err)
		return
	}
	if !ok || ent.Digest == "" {
		return
	}
	var sum string
	if digest != nil {
		sum = digest.Sum()
	} else if sum, err = index.HashFile(target); err != nil {
		slog.Warn("cannot hash file", "member", st.Name, "error", err)
		return
	}
	if sum != ent.Digest {
		r.memberDiffers(st.Name, fmt.Errorf("%s: %w", st.Name, ErrDigestMismatch))
	}
}

func (r *runner) restoreAttrs(target string, st *tarhdr.Stat) error {
	r.chown(target, st)
	if err := os.Chmod(target, fileMode(st.Mode)); err != nil {
		return err
	}
	return setModTime(target, st.ModTime, false)
}

// chown restores ownership when running as root.
func (r *runner) chown(target string, st *tarhdr.Stat) {
	if os.Geteuid() != 0 {
		return
	}
	if err := os.Lchown(target, st.UID, st.GID); err != nil {
		slog.Warn("cannot change ownership", "member", st.Name, "error", err)
	}
}

// finishDirs restores directory modes and times, innermost first.
func (r *runner) finishDirs() {
	for _, d := range slices.Backward(r.dirs) {
		if err := os.Chmod(d.path, d.mode); err != nil {
			slog.Warn("cannot change mode", "path", d.path, "error", err)
		}
		if err := setModTime(d.path, d.modTime, false); err != nil {
			slog.Warn("cannot set modification time", "path", d.path, "error", err)
		}
	}
	r.dirs = nil
}

// sinkWriter keeps accepting data after the first write error so that
// the member data is still consumed from the archive.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.err == nil {
		_, s.err = s.w.Write(p)
	}
	return len(p), nil
}
