package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/karrick/godirwalk"
)

// ScannerConfig controls scanner behavior.
type ScannerConfig struct {
	Dir   string   // base directory relative paths are taken from
	Paths []string // files and directories to archive, in order
}

// Scanner walks the files to be archived and emits one Entry per object.
// Directories are walked depth first with entries sorted by name, so the
// member order is reproducible.
type Scanner struct {
	cfg       ScannerConfig
	entries   chan Entry
	inodeSeen map[DevIno]string // first member name per inode
	warned    bool
}

// NewScanner creates a scanner with the given config.
func NewScanner(cfg ScannerConfig) *Scanner {
	return &Scanner{
		cfg:       cfg,
		entries:   make(chan Entry, 64),
		inodeSeen: make(map[DevIno]string),
	}
}

// Scan starts the scanner and returns the channel of entries. The caller
// must consume it until it closes.
func (s *Scanner) Scan(ctx context.Context) <-chan Entry {
	go func() {
		defer close(s.entries)
		for _, p := range s.cfg.Paths {
			if err := s.scanPath(ctx, p); err != nil {
				return
			}
		}
	}()
	return s.entries
}

func (s *Scanner) scanPath(ctx context.Context, p string) error {
	full := p
	if !filepath.IsAbs(p) && s.cfg.Dir != "" {
		full = filepath.Join(s.cfg.Dir, p)
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return s.send(ctx, Entry{Path: full, Name: filepath.ToSlash(p), Err: err})
	}
	if !fi.IsDir() {
		return s.emit(ctx, full, p)
	}

	err = godirwalk.Walk(full, &godirwalk.Options{
		Unsorted: false,
		Callback: func(osPathname string, _ *godirwalk.Dirent) error {
			return s.emit(ctx, osPathname, p+osPathname[len(full):])
		},
		ErrorCallback: func(osPathname string, err error) godirwalk.ErrorAction {
			if ctx.Err() != nil {
				return godirwalk.Halt
			}
			if s.send(ctx, Entry{Path: osPathname, Name: filepath.ToSlash(osPathname), Err: err}) != nil {
				return godirwalk.Halt
			}
			return godirwalk.SkipNode
		},
	})
	if err != nil && ctx.Err() == nil {
		slog.Debug("walk stopped", "path", full, "error", err)
	}
	return ctx.Err()
}

// emit stats one object and sends its entry. name is the path as it will
// appear in the archive before cleaning.
func (s *Scanner) emit(ctx context.Context, osPath, name string) error {
	fi, err := os.Lstat(osPath)
	if err != nil {
		return s.send(ctx, Entry{Path: osPath, Name: filepath.ToSlash(name), Err: err})
	}

	member, stripped := memberName(name)
	if stripped && !s.warned {
		s.warned = true
		slog.Warn("removing leading '/' from member names")
	}

	e := Entry{
		Path:    osPath,
		Name:    member,
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		Blocks:  1,
	}
	var nlink uint64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		e.UID = int(st.Uid)
		e.GID = int(st.Gid)
		e.Blocks = st.Blocks
		e.DevIno = DevIno{Dev: devFromStat(st), Ino: st.Ino}
		nlink = uint64(st.Nlink)
	}

	switch {
	case fi.Mode().IsRegular():
		e.Type = Regular
		e.Size = fi.Size()
		if nlink > 1 {
			if first, ok := s.inodeSeen[e.DevIno]; ok {
				e.Type = Hardlink
				e.LinkTarget = first
				e.Size = 0
			} else {
				s.inodeSeen[e.DevIno] = member
			}
		}
	case fi.IsDir():
		e.Type = Dir
		e.Name = member + "/"
	case fi.Mode()&fs.ModeSymlink != 0:
		e.Type = Symlink
		target, err := os.Readlink(osPath)
		if err != nil {
			e.Err = fmt.Errorf("readlink %s: %w", osPath, err)
		}
		e.LinkTarget = target
	case fi.Mode()&fs.ModeNamedPipe != 0:
		e.Type = Fifo
	default:
		e.Type = Unsupported
	}
	return s.send(ctx, e)
}

func (s *Scanner) send(ctx context.Context, e Entry) error {
	select {
	case s.entries <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errUnsupportedType is reported for sockets and device nodes.
var errUnsupportedType = errors.New("file type not archived")
