package volume

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminal is returned when "-" names a terminal.
	ErrTerminal = errors.New("refusing to use a terminal as archive (missing -f option?)")
	// ErrVolumeOverflow is returned when the volume counter cannot grow.
	ErrVolumeOverflow = errors.New("volume number overflow")
	// ErrTooManyReadErrors is returned when a record cannot be read after
	// ReadErrorMax retries.
	ErrTooManyReadErrors = errors.New("too many errors, quitting")
	// ErrBeginningOfTape is returned for a read error on the first record.
	ErrBeginningOfTape = errors.New("at beginning of tape, quitting now")
	// ErrCompressedUpdate is returned when update access meets a compressed
	// archive.
	ErrCompressedUpdate = errors.New("cannot update compressed archives")
	// ErrNoNewVolume is returned when the operator declines to provide the
	// next volume.
	ErrNoNewVolume = errors.New("no new volume; exiting")
	// ErrNoReply is returned when the prompt input ends.
	ErrNoReply = errors.New("EOF where user reply was expected")
	// ErrLabelMismatch is returned when the archive label does not match
	// the requested pattern.
	ErrLabelMismatch = errors.New("volume label mismatch")
	// ErrNotSeekable is returned by Seek on media that cannot seek.
	ErrNotSeekable = errors.New("archive medium is not seekable")
)

// WriteError is a fatal failure to write a record.
type WriteError struct {
	Archive string
	Status  int   // bytes of the record accepted by the medium
	Size    int   // record size
	Offset  int64 // archive bytes written before the failure
	Err     error
}

func (e *WriteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: cannot write at byte %d: %v", e.Archive, e.Offset, e.Err)
	}
	msg := fmt.Sprintf("%s: wrote only %d of %d bytes at byte %d", e.Archive, e.Status, e.Size, e.Offset)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteError) Unwrap() error { return e.Err }

// UnalignedBlockError reports a read that ended inside a block on a medium
// that is not read in full records.
type UnalignedBlockError struct {
	Size int
}

func (e *UnalignedBlockError) Error() string {
	return fmt.Sprintf("unaligned block (%d bytes) in archive", e.Size)
}

// SequenceError reports a volume that does not continue the member left
// incomplete on the previous volume.
type SequenceError struct {
	Name   string
	Reason string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%q %s", e.Name, e.Reason)
}

// VolnoError reports an unusable volume number file.
type VolnoError struct {
	Path string
	Err  error
}

func (e *VolnoError) Error() string {
	return fmt.Sprintf("volume number file %s: %v", e.Path, e.Err)
}

func (e *VolnoError) Unwrap() error { return e.Err }

// ChildError reports a compression program that exited unsuccessfully.
type ChildError struct {
	Program string
	Err     error
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child %s: %v", e.Program, e.Err)
}

func (e *ChildError) Unwrap() error { return e.Err }
