package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bamsammich/reel/internal/tarhdr"
)

func (r *runner) list() error {
	rd := r.reader()
	return r.readArchive(rd, r.cfg.IgnoreZeros, func(st *tarhdr.Stat) error {
		isSparse := r.sp.IsSparseMember(st)
		if isSparse {
			if err := r.sp.FixupHeader(st); err != nil {
				r.memberFailed(st.Name, err)
				return r.skipData(rd, st.ArchiveSize)
			}
		}
		if _, err := fmt.Fprintln(r.cfg.Out, r.listLine(st)); err != nil {
			return err
		}
		if err := r.discard(rd, st, isSparse); err != nil {
			if !isSparse {
				return err
			}
			r.memberFailed(st.Name, err)
			return nil
		}
		if isSparse {
			r.stats.AddMembersSparse(1)
		}
		r.memberDone(st.Name, st.Size)
		return nil
	})
}

// listLine formats one member for a listing: the name alone, or in the
// long form "mode owner/group size date name".
func (r *runner) listLine(st *tarhdr.Stat) string {
	if !r.cfg.Verbose {
		return st.Name
	}
	owner := st.Uname
	if owner == "" {
		owner = strconv.Itoa(st.UID)
	}
	group := st.Gname
	if group == "" {
		group = strconv.Itoa(st.GID)
	}
	line := fmt.Sprintf("%s %s/%s %9d %s %s",
		modeString(st), owner, group, st.Size, st.ModTime.Local().Format("2006-01-02 15:04"), st.Name)
	switch st.Typeflag {
	case tarhdr.TypeSymlink:
		line += " -> " + st.LinkName
	case tarhdr.TypeLink:
		line += " link to " + st.LinkName
	}
	return line
}

// modeString renders the type and permission bits of st the way ls does.
func modeString(st *tarhdr.Stat) string {
	var b strings.Builder
	switch st.Typeflag {
	case tarhdr.TypeDir:
		b.WriteByte('d')
	case tarhdr.TypeSymlink:
		b.WriteByte('l')
	case tarhdr.TypeLink:
		b.WriteByte('h')
	case tarhdr.TypeFifo:
		b.WriteByte('p')
	case tarhdr.TypeChar:
		b.WriteByte('c')
	case tarhdr.TypeBlock:
		b.WriteByte('b')
	default:
		b.WriteByte('-')
	}
	const rwx = "rwxrwxrwx"
	for i := range 9 {
		c := byte('-')
		if st.Mode&(1<<(8-i)) != 0 {
			c = rwx[i]
		}
		b.WriteByte(c)
	}
	out := []byte(b.String())
	special := []struct {
		bit int64
		pos int
		set byte
	}{{0o4000, 3, 's'}, {0o2000, 6, 's'}, {0o1000, 9, 't'}}
	for _, s := range special {
		if st.Mode&s.bit == 0 {
			continue
		}
		if out[s.pos] == '-' {
			out[s.pos] = s.set - 'a' + 'A'
		} else {
			out[s.pos] = s.set
		}
	}
	return string(out)
}
