package engine

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/sparse"
	"github.com/bamsammich/reel/internal/tarhdr"
)

func (r *runner) diff() error {
	dir := r.cfg.Dir
	if dir == "" {
		dir = "."
	}
	rd := r.reader()
	return r.readArchive(rd, r.cfg.IgnoreZeros, func(st *tarhdr.Stat) error {
		return r.diffMember(rd, st, dir)
	})
}

// diffMember compares one member with the file system and consumes its
// data. Only archive errors are returned.
func (r *runner) diffMember(rd *tarhdr.Reader, st *tarhdr.Stat, dir string) error {
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
	fi, err := os.Lstat(target)
	if err != nil {
		r.memberDiffers(st.Name, &sparse.DiffError{Name: st.Name, Reason: "Warning: Cannot stat: " + errText(err)})
		return r.discard(rd, st, isSparse)
	}

	var reasons []string
	if !sameType(st.Typeflag, fi.Mode()) {
		reasons = append(reasons, "File type differs")
	} else {
		reasons = append(reasons, r.attrDiffs(st, fi, dir, target)...)
	}

	switch {
	case len(reasons) > 0 || !fi.Mode().IsRegular() || st.Typeflag == tarhdr.TypeLink:
		if err := r.discard(rd, st, isSparse); err != nil {
			return err
		}
	default:
		reason, err := r.diffContents(rd, st, target, isSparse)
		if err != nil {
			return err
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) > 0 {
		r.memberDiffers(st.Name, &sparse.DiffError{Name: st.Name, Reason: strings.Join(reasons, "; ")})
		return nil
	}
	if isSparse {
		r.stats.AddMembersSparse(1)
	}
	r.memberDone(st.Name, st.Size)
	return nil
}

// attrDiffs lists the metadata differences between st and fi.
func (r *runner) attrDiffs(st *tarhdr.Stat, fi fs.FileInfo, dir, target string) []string {
	var reasons []string
	switch st.Typeflag {
	case tarhdr.TypeSymlink:
		link, err := os.Readlink(target)
		if err != nil || link != st.LinkName {
			reasons = append(reasons, "Symlink differs")
		}
		return reasons
	case tarhdr.TypeLink:
		old, err := safeJoin(dir, st.LinkName)
		if err != nil {
			return append(reasons, errText(err))
		}
		ofi, err := os.Lstat(old)
		if err != nil || !os.SameFile(fi, ofi) {
			reasons = append(reasons, "Not linked to "+st.LinkName)
		}
		return reasons
	}

	if fi.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky) != fileMode(st.Mode) {
		reasons = append(reasons, "Mode differs")
	}
	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		if int(sys.Uid) != st.UID {
			reasons = append(reasons, "Uid differs")
		}
		if int(sys.Gid) != st.GID {
			reasons = append(reasons, "Gid differs")
		}
	}
	if st.Typeflag != tarhdr.TypeDir && fi.ModTime().Unix() != st.ModTime.Unix() {
		reasons = append(reasons, "Mod time differs")
	}
	if fi.Mode().IsRegular() && fi.Size() != st.Size {
		reasons = append(reasons, "Size differs")
	}
	return reasons
}

// diffContents compares the member data with the file at target. It
// returns the reason for a difference, or "" when the contents match.
func (r *runner) diffContents(rd *tarhdr.Reader, st *tarhdr.Stat, target string, isSparse bool) (string, error) {
	f, err := os.Open(target)
	if err != nil {
		return "Warning: Cannot open: " + errText(err), r.discard(rd, st, isSparse)
	}
	defer f.Close()

	if isSparse {
		err := r.sp.DiffFile(f, st)
		var de *sparse.DiffError
		switch {
		case errors.As(err, &de):
			return de.Reason, nil
		case err != nil:
			return "", err
		}
		return "", nil
	}

	cmp := &compareWriter{r: f}
	r.s.BeginRead(st.Name, st.ArchiveSize)
	err = rd.CopyTo(cmp, st.ArchiveSize)
	r.s.EndMember()
	switch {
	case err != nil:
		return "", err
	case cmp.err != nil:
		return "Warning: Cannot read: " + errText(cmp.err), nil
	case cmp.differ:
		return "Contents differ", nil
	}
	return "", nil
}

// sameType reports whether a file of mode m matches member type typ.
func sameType(typ byte, m fs.FileMode) bool {
	switch typ {
	case tarhdr.TypeDir:
		return m.IsDir()
	case tarhdr.TypeSymlink:
		return m&fs.ModeSymlink != 0
	case tarhdr.TypeFifo:
		return m&fs.ModeNamedPipe != 0
	case tarhdr.TypeChar:
		return m&fs.ModeCharDevice != 0
	case tarhdr.TypeBlock:
		return m&fs.ModeDevice != 0 && m&fs.ModeCharDevice == 0
	}
	return m.IsRegular()
}

func errText(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	return err.Error()
}

// compareWriter compares what is written to it with what r yields.
type compareWriter struct {
	r      io.Reader
	buf    []byte
	differ bool
	err    error
}

func (c *compareWriter) Write(p []byte) (int, error) {
	if c.differ || c.err != nil {
		return len(p), nil
	}
	if cap(c.buf) < len(p) {
		c.buf = make([]byte, len(p))
	}
	buf := c.buf[:len(p)]
	if _, err := io.ReadFull(c.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			c.differ = true
		} else {
			c.err = err
		}
		return len(p), nil
	}
	if !bytes.Equal(buf, p) {
		c.differ = true
	}
	return len(p), nil
}
