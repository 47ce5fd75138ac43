package index

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, archive string) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "index.db"), archive)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func TestIndex_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "index.db")
	x, err := Open(path, "backup.tar")
	require.NoError(t, err)
	assert.Equal(t, path, x.Path())
	assert.FileExists(t, path)
	require.NoError(t, x.Close())
}

func TestIndex_DefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)

	x, err := Open("", "backup.tar")
	require.NoError(t, err)
	defer x.Close()

	assert.Equal(t, filepath.Join(dir, "reel", jobID("backup.tar")+".db"), x.Path())
	assert.FileExists(t, x.Path())
}

func TestIndex_RecordAndLookup(t *testing.T) {
	x := openTest(t, "backup.tar")
	mtime := time.Unix(1700000000, 123)

	_, ok, err := x.Lookup("disk.img")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, x.Record(Entry{
		Name:        "disk.img",
		Volume:      2,
		Ordinal:     40,
		Size:        1 << 20,
		ArchiveSize: 4096,
		Sparse:      true,
		ModTime:     mtime,
		Digest:      "abc",
	}))

	e, ok, err := x.Lookup("disk.img")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Volume)
	assert.Equal(t, int64(40), e.Ordinal)
	assert.Equal(t, int64(1<<20), e.Size)
	assert.Equal(t, int64(4096), e.ArchiveSize)
	assert.True(t, e.Sparse)
	assert.True(t, mtime.Equal(e.ModTime))
	assert.Equal(t, "abc", e.Digest)
}

func TestIndex_BatchFlush(t *testing.T) {
	x := openTest(t, "backup.tar")

	for i := range 150 {
		require.NoError(t, x.Record(Entry{
			Name:    filepath.Join("dir", fmt.Sprintf("file_%03d.txt", i)),
			Volume:  1,
			Ordinal: int64(i * 2),
			Size:    int64(i * 100),
		}))
	}

	entries, err := x.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 150)
	assert.Equal(t, "dir/file_000.txt", entries[0].Name)
	assert.Equal(t, "dir/file_149.txt", entries[149].Name)
	assert.Equal(t, int64(14900), entries[149].Size)
}

func TestIndex_EntriesOrder(t *testing.T) {
	x := openTest(t, "backup.tar")
	require.NoError(t, x.Record(Entry{Name: "c", Volume: 2, Ordinal: 0}))
	require.NoError(t, x.Record(Entry{Name: "b", Volume: 1, Ordinal: 9}))
	require.NoError(t, x.Record(Entry{Name: "a", Volume: 1, Ordinal: 3}))

	entries, err := x.Entries()
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestIndex_Replace(t *testing.T) {
	x := openTest(t, "backup.tar")
	require.NoError(t, x.Record(Entry{Name: "f", Size: 1}))
	require.NoError(t, x.Record(Entry{Name: "f", Size: 2}))

	e, ok, err := x.Lookup("f")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Size)
}

func TestIndex_Reset(t *testing.T) {
	x := openTest(t, "backup.tar")
	require.NoError(t, x.Record(Entry{Name: "f"}))
	require.NoError(t, x.Flush())
	require.NoError(t, x.Record(Entry{Name: "g"}))

	require.NoError(t, x.Reset())
	entries, err := x.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIndex_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	x, err := Open(path, "backup.tar")
	require.NoError(t, err)
	require.NoError(t, x.Record(Entry{Name: "kept", Size: 500}))
	require.NoError(t, x.Close())

	x, err = Open(path, "backup.tar")
	require.NoError(t, err)
	defer x.Close()

	e, ok, err := x.Lookup("kept")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(500), e.Size)
}

func TestIndex_ArchiveMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	x, err := Open(path, "a.tar")
	require.NoError(t, err)
	require.NoError(t, x.Close())

	_, err = Open(path, "b.tar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to archive a.tar")
}

func TestJobIDDeterminism(t *testing.T) {
	assert.Equal(t, jobID("/dev/nst0"), jobID("/dev/nst0"))
	assert.NotEqual(t, jobID("/dev/nst0"), jobID("/dev/nst1"))
	assert.Len(t, jobID("x"), 16)
}
