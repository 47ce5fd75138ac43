package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is connected to a terminal. An archive
// is never read from or written to one.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // G115: fd values are small non-negative integers
}
