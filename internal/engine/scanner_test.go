package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, cfg ScannerConfig) []Entry {
	t.Helper()
	var out []Entry
	for e := range NewScanner(cfg).Scan(context.Background()) {
		out = append(out, e)
	}
	return out
}

func TestScanner_TreeOrder(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	entries := scanAll(t, ScannerConfig{Dir: root, Paths: []string{"."}})
	names := make([]string, len(entries))
	for i, e := range entries {
		require.NoError(t, e.Err)
		names[i] = e.Name
	}
	assert.Equal(t, treeMembers, names)
}

func TestScanner_EntryTypes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	byName := make(map[string]Entry)
	for _, e := range scanAll(t, ScannerConfig{Dir: root, Paths: []string{"."}}) {
		byName[e.Name] = e
	}

	assert.Equal(t, Dir, byName["sub/"].Type)
	assert.Equal(t, Regular, byName["a.txt"].Type)
	assert.Equal(t, int64(5), byName["a.txt"].Size)
	assert.Equal(t, Hardlink, byName["hard"].Type)
	assert.Equal(t, "a.txt", byName["hard"].LinkTarget)
	assert.Zero(t, byName["hard"].Size)
	assert.Equal(t, Symlink, byName["sub/link"].Type)
	assert.Equal(t, "b.txt", byName["sub/link"].LinkTarget)
	assert.Equal(t, os.FileMode(0o600), byName["sub/b.txt"].Mode.Perm())
	assert.True(t, byName["a.txt"].ModTime.Equal(treeMtime))
}

func TestScanner_SubdirPath(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	var names []string
	for _, e := range scanAll(t, ScannerConfig{Dir: root, Paths: []string{"sub/b.txt", "sub/empty"}}) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"sub/b.txt", "sub/empty/"}, names)
}

func TestScanner_AbsolutePathStripped(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	entries := scanAll(t, ScannerConfig{Paths: []string{filepath.Join(root, "a.txt")}})
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.ToSlash(filepath.Join(root, "a.txt"))[1:], entries[0].Name)
}

func TestScanner_Missing(t *testing.T) {
	entries := scanAll(t, ScannerConfig{Dir: t.TempDir(), Paths: []string{"nope"}})
	require.Len(t, entries, 1)
	require.ErrorIs(t, entries[0].Err, os.ErrNotExist)
	assert.Equal(t, "nope", entries[0].Name)
}

func TestScanner_Fifo(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, mkfifo(filepath.Join(root, "pipe")))

	entries := scanAll(t, ScannerConfig{Dir: root, Paths: []string{"pipe"}})
	require.Len(t, entries, 1)
	assert.Equal(t, Fifo, entries[0].Type)
}

func TestScanner_Cancel(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewScanner(ScannerConfig{Dir: root, Paths: []string{"."}}).Scan(ctx)
	<-ch
	cancel()
	for range ch {
	}
}
