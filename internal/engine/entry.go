package engine

import (
	"os"
	"time"
)

// EntryType identifies the kind of filesystem entry.
type EntryType int

const (
	Regular EntryType = iota
	Dir
	Symlink
	Hardlink
	Fifo
	Unsupported
)

// DevIno uniquely identifies an inode for hardlink detection.
type DevIno struct {
	Dev uint64
	Ino uint64
}

// Entry is one file system object to be archived.
type Entry struct {
	ModTime    time.Time
	Err        error  // set when the object could not be read
	Path       string // file system path
	Name       string // member name
	LinkTarget string // symlink target, or member name of the first link
	DevIno     DevIno
	Size       int64
	Blocks     int64 // 512-byte blocks allocated on disk
	Mode       os.FileMode
	UID        int
	GID        int
	Type       EntryType
}
