package engine

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafeName is returned for a member name that would be extracted
// outside the target directory.
var ErrUnsafeName = errors.New("member name contains '..'")

// memberName converts a file system path to a member name. Leading
// slashes are removed; stripped reports whether any were.
func memberName(p string) (name string, stripped bool) {
	name = filepath.ToSlash(p)
	trimmed := strings.TrimLeft(name, "/")
	stripped = trimmed != name
	return path.Clean(trimmed), stripped
}

// safeJoin resolves member name below dir. Leading slashes are removed and
// names with a ".." component are refused.
func safeJoin(dir, name string) (string, error) {
	rel := strings.TrimLeft(name, "/")
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("%s: %w", name, ErrUnsafeName)
		}
	}
	if rel == "" {
		rel = "."
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}
