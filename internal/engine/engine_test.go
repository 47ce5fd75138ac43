package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/index"
	"github.com/bamsammich/reel/internal/sparse"
	"github.com/bamsammich/reel/internal/tarhdr"
	"github.com/bamsammich/reel/internal/volume"
)

func createTree(t *testing.T) (src string, opts volume.Options) {
	t.Helper()
	src = t.TempDir()
	writeTree(t, src)
	opts = archiveOpts(filepath.Join(t.TempDir(), "tree.tar"))
	res := run(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"."}})
	require.NoError(t, res.Err)
	return src, opts
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "append", OpAppend.String())
	assert.Equal(t, "unknown", Op(99).String())
}

func TestRun_CreateList(t *testing.T) {
	_, opts := createTree(t)

	fi, err := os.Stat(opts.Archives[0])
	require.NoError(t, err)
	assert.Zero(t, fi.Size()%2048)

	assert.Equal(t, treeMembers, listNames(t, opts))
}

func TestRun_CreateStats(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	opts := archiveOpts(filepath.Join(t.TempDir(), "tree.tar"))

	res, evs := collect(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"."}})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(len(treeMembers)), res.Stats.MembersSeen)
	assert.Equal(t, int64(len(treeMembers)), res.Stats.MembersDone)
	assert.Equal(t, int64(5+3000), res.Stats.BytesMoved)
	assert.Equal(t, int64(1), res.Stats.Volumes)
	assert.Positive(t, res.Totals.Written)

	assert.Equal(t, len(treeMembers), countEvents(evs, event.MemberCompleted))
	assert.Equal(t, 1, countEvents(evs, event.VolumeOpened))
	require.NotEmpty(t, evs)
	assert.Equal(t, event.EndOfArchive, evs[len(evs)-1].Type)
}

func TestRun_ListVerbose(t *testing.T) {
	_, opts := createTree(t)

	var out bytes.Buffer
	res := run(t, Config{Op: OpList, Volume: opts, Out: &out, Verbose: true})
	require.NoError(t, res.Err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, len(treeMembers))
	date := treeMtime.Local().Format("2006-01-02 15:04")
	assert.True(t, strings.HasPrefix(lines[1], "-rw-r--r-- "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], "5 "+date+" a.txt"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "h"), lines[2])
	assert.True(t, strings.HasSuffix(lines[2], "hard link to a.txt"), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "d"), lines[3])
	assert.True(t, strings.HasSuffix(lines[6], "sub/link -> b.txt"), lines[6])
}

func TestRun_Extract(t *testing.T) {
	_, opts := createTree(t)
	dst := t.TempDir()

	res := run(t, Config{Op: OpExtract, Volume: opts, Dir: dst})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(len(treeMembers)), res.Stats.MembersDone)

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, pattern(3000), data)

	fi, err := os.Stat(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(treeMtime), fi.ModTime())

	link, err := os.Readlink(filepath.Join(dst, "sub", "link"))
	require.NoError(t, err)
	assert.Equal(t, "b.txt", link)

	a, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	h, err := os.Stat(filepath.Join(dst, "hard"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(a, h))

	sub, err := os.Stat(filepath.Join(dst, "sub"))
	require.NoError(t, err)
	assert.True(t, sub.IsDir())
	assert.True(t, sub.ModTime().Equal(treeMtime), sub.ModTime())

	empty, err := os.Stat(filepath.Join(dst, "sub", "empty"))
	require.NoError(t, err)
	assert.True(t, empty.IsDir())
}

func TestRun_ExtractOverwrites(t *testing.T) {
	_, opts := createTree(t)
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old contents"), 0o644))

	res := run(t, Config{Op: OpExtract, Volume: opts, Dir: dst})
	require.NoError(t, res.Err)
	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRun_ExtractKeepOldFiles(t *testing.T) {
	_, opts := createTree(t)
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0o644))

	res := run(t, Config{Op: OpExtract, Volume: opts, Dir: dst, KeepOldFiles: true})
	require.ErrorIs(t, res.Err, ErrMembersFailed)
	assert.Equal(t, int64(1), res.Stats.MembersFailed)

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	// Members after the failed one are still extracted.
	data, err = os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, pattern(3000), data)
}

func TestRun_ExtractUnsafeName(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar")
	s, err := volume.Open(context.Background(), archiveOpts(archive), volume.ModeWrite)
	require.NoError(t, err)
	w := s.Writer()
	for _, name := range []string{"../evil", "ok.txt"} {
		st := &tarhdr.Stat{Name: name, Mode: 0o644, Typeflag: tarhdr.TypeReg, Size: 3, ArchiveSize: 3, ModTime: treeMtime}
		require.NoError(t, w.Finish(st, w.Start(st)))
		require.NoError(t, w.WriteData([]byte("bad")))
	}
	require.NoError(t, w.WriteEOF())
	require.NoError(t, s.Close())

	parent := t.TempDir()
	dst := filepath.Join(parent, "out")
	require.NoError(t, os.Mkdir(dst, 0o755))

	res := run(t, Config{Op: OpExtract, Volume: archiveOpts(archive), Dir: dst})
	require.ErrorIs(t, res.Err, ErrMembersFailed)
	assert.NoFileExists(t, filepath.Join(parent, "evil"))
	assert.FileExists(t, filepath.Join(dst, "ok.txt"))
}

func TestRun_DiffSame(t *testing.T) {
	src, opts := createTree(t)

	res := run(t, Config{Op: OpDiff, Volume: opts, Dir: src})
	require.NoError(t, res.Err)
	assert.Zero(t, res.Stats.MembersDiffer)
}

func TestRun_DiffContents(t *testing.T) {
	src, opts := createTree(t)
	b := filepath.Join(src, "sub", "b.txt")
	changed := pattern(3000)
	changed[1500] ^= 0xff
	require.NoError(t, os.WriteFile(b, changed, 0o600))
	require.NoError(t, os.Chtimes(b, treeMtime, treeMtime))

	res, evs := collect(t, Config{Op: OpDiff, Volume: opts, Dir: src})
	require.ErrorIs(t, res.Err, ErrMembersDiffer)
	assert.Equal(t, int64(1), res.Stats.MembersDiffer)

	var found bool
	for _, ev := range evs {
		if ev.Type == event.MemberDiffers {
			found = true
			assert.Equal(t, "sub/b.txt", ev.Path)
			assert.ErrorContains(t, ev.Error, "Contents differ")
		}
	}
	assert.True(t, found)
}

func TestRun_DiffMetadata(t *testing.T) {
	src, opts := createTree(t)
	require.NoError(t, os.Chmod(filepath.Join(src, "a.txt"), 0o600))
	require.NoError(t, os.Remove(filepath.Join(src, "sub", "link")))
	require.NoError(t, os.Symlink("elsewhere", filepath.Join(src, "sub", "link")))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("short"), 0o600))

	res, evs := collect(t, Config{Op: OpDiff, Volume: opts, Dir: src})
	require.ErrorIs(t, res.Err, ErrMembersDiffer)

	reasons := make(map[string]string)
	for _, ev := range evs {
		if ev.Type == event.MemberDiffers {
			reasons[ev.Path] = ev.Error.Error()
		}
	}
	assert.Contains(t, reasons["a.txt"], "Mode differs")
	assert.Contains(t, reasons["sub/link"], "Symlink differs")
	assert.Contains(t, reasons["sub/b.txt"], "Size differs")
}

func TestRun_DiffMissing(t *testing.T) {
	src, opts := createTree(t)
	require.NoError(t, os.Remove(filepath.Join(src, "sub", "b.txt")))

	res := run(t, Config{Op: OpDiff, Volume: opts, Dir: src})
	require.ErrorIs(t, res.Err, ErrMembersDiffer)
	assert.Equal(t, int64(1), res.Stats.MembersDiffer)
}

func TestRun_Append(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	opts := archiveOpts(filepath.Join(t.TempDir(), "app.tar"))

	res := run(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"a.txt"}})
	require.NoError(t, res.Err)
	res = run(t, Config{Op: OpAppend, Volume: opts, Dir: src, Paths: []string{"sub/b.txt"}})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Stats.MembersDone)

	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, listNames(t, opts))

	dst := t.TempDir()
	require.NoError(t, run(t, Config{Op: OpExtract, Volume: opts, Dir: dst}).Err)
	data, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, pattern(3000), data)
}

func TestRun_AppendCreatesArchive(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	opts := archiveOpts(filepath.Join(t.TempDir(), "new.tar"))

	res := run(t, Config{Op: OpAppend, Volume: opts, Dir: src, Paths: []string{"a.txt"}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"a.txt"}, listNames(t, opts))
}

func TestRun_IgnoreZeros(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	dir := t.TempDir()

	var cat []byte
	for i, p := range []string{"a.txt", "sub/b.txt"} {
		name := filepath.Join(dir, string(rune('a'+i))+".tar")
		require.NoError(t, run(t, Config{Op: OpCreate, Volume: archiveOpts(name), Dir: src, Paths: []string{p}}).Err)
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		cat = append(cat, data...)
	}
	joined := filepath.Join(dir, "cat.tar")
	require.NoError(t, os.WriteFile(joined, cat, 0o644))

	assert.Equal(t, []string{"a.txt"}, listNames(t, archiveOpts(joined)))

	var out bytes.Buffer
	res := run(t, Config{Op: OpList, Volume: archiveOpts(joined), Out: &out, IgnoreZeros: true})
	require.NoError(t, res.Err)
	assert.Equal(t, "a.txt\nsub/b.txt\n", out.String())
}

func TestRun_NotAnArchive(t *testing.T) {
	name := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(name, bytes.Repeat([]byte("x"), 2048), 0o644))

	res := run(t, Config{Op: OpList, Volume: archiveOpts(name), Out: &bytes.Buffer{}})
	require.ErrorIs(t, res.Err, tarhdr.ErrBadHeader)
}

func TestRun_MissingArchive(t *testing.T) {
	res := run(t, Config{Op: OpList, Volume: archiveOpts(filepath.Join(t.TempDir(), "none.tar"))})
	require.ErrorIs(t, res.Err, os.ErrNotExist)
}

func TestRun_MissingSource(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	opts := archiveOpts(filepath.Join(t.TempDir(), "x.tar"))

	res := run(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"a.txt", "gone", "sub/b.txt"}})
	require.ErrorIs(t, res.Err, ErrMembersFailed)
	assert.Equal(t, int64(1), res.Stats.MembersFailed)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, listNames(t, opts))
}

func TestRun_Cancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, Config{
		Op:     OpCreate,
		Volume: archiveOpts(filepath.Join(t.TempDir(), "x.tar")),
		Dir:    src,
		Paths:  []string{"."},
	})
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestRun_MultiVolume(t *testing.T) {
	src := t.TempDir()
	big := pattern(6000)
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), big, 0o644))

	dir := t.TempDir()
	opts := archiveOpts(filepath.Join(dir, "v1.tar"), filepath.Join(dir, "v2.tar"))
	opts.MultiVolume = true
	opts.TapeLength = 4096

	res, evs := collect(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"big.bin"}})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Stats.Volumes)
	assert.Equal(t, 1, countEvents(evs, event.VolumeChanged))
	for _, name := range opts.Archives {
		fi, err := os.Stat(name)
		require.NoError(t, err)
		assert.Positive(t, fi.Size())
	}

	dst := t.TempDir()
	res = run(t, Config{Op: OpExtract, Volume: opts, Dir: dst})
	require.NoError(t, res.Err)
	data, err := os.ReadFile(filepath.Join(dst, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, big, data)
}

// makeSparse creates a 4 MiB file with two data regions and skips the
// test when the file system does not keep holes.
func makeSparse(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	const size = 4 << 20
	require.NoError(t, f.Truncate(size))
	want := make([]byte, size)
	for _, off := range []int64{1 << 20, 3 << 20} {
		chunk := pattern(8192)
		_, err := unix.Pwrite(int(f.Fd()), chunk, off)
		require.NoError(t, err)
		copy(want[off:], chunk)
	}
	require.NoError(t, f.Sync())

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &st))
	if st.Blocks*512 >= size {
		t.Skip("file system does not keep holes")
	}
	return want
}

func TestRun_SparseRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format tarhdr.Format
		opts   sparse.Options
	}{
		{"gnu", tarhdr.FormatGNU, sparse.Options{}},
		{"posix-1.0", tarhdr.FormatPOSIX, sparse.Options{Version: sparse.DefaultVersion}},
		{"posix-0.1", tarhdr.FormatPOSIX, sparse.Options{Version: sparse.Version{Major: 0, Minor: 1}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := t.TempDir()
			want := makeSparse(t, filepath.Join(src, "disk.img"))

			opts := archiveOpts(filepath.Join(t.TempDir(), "sparse.tar"))
			opts.Format = tc.format
			res := run(t, Config{
				Op:            OpCreate,
				Volume:        opts,
				Dir:           src,
				Paths:         []string{"disk.img"},
				Sparse:        true,
				SparseOptions: tc.opts,
			})
			require.NoError(t, res.Err)
			assert.Equal(t, int64(1), res.Stats.MembersSparse)

			fi, err := os.Stat(opts.Archives[0])
			require.NoError(t, err)
			assert.Less(t, fi.Size(), int64(64<<10))

			assert.Equal(t, []string{"disk.img"}, listNames(t, opts))

			res = run(t, Config{Op: OpDiff, Volume: opts, Dir: src})
			require.NoError(t, res.Err)

			dst := t.TempDir()
			res = run(t, Config{Op: OpExtract, Volume: opts, Dir: dst})
			require.NoError(t, res.Err)
			got, err := os.ReadFile(filepath.Join(dst, "disk.img"))
			require.NoError(t, err)
			assert.Equal(t, len(want), len(got))
			assert.True(t, bytes.Equal(want, got))
		})
	}
}

func TestRun_SparseDisabled(t *testing.T) {
	src := t.TempDir()
	makeSparse(t, filepath.Join(src, "disk.img"))
	opts := archiveOpts(filepath.Join(t.TempDir(), "plain.tar"))

	res := run(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"disk.img"}})
	require.NoError(t, res.Err)
	assert.Zero(t, res.Stats.MembersSparse)

	fi, err := os.Stat(opts.Archives[0])
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(4<<20))
}

func TestRun_IndexVerify(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	archive := filepath.Join(t.TempDir(), "idx.tar")
	idx, err := index.Open(filepath.Join(t.TempDir(), "idx.db"), archive)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	opts := archiveOpts(archive)

	res := run(t, Config{Op: OpCreate, Volume: opts, Dir: src, Paths: []string{"."}, Index: idx})
	require.NoError(t, res.Err)

	ent, ok, err := idx.Lookup("sub/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	sum, err := index.HashFile(filepath.Join(src, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, sum, ent.Digest)
	assert.Equal(t, int64(1), ent.Volume)
	assert.Equal(t, int64(3000), ent.Size)

	entries, err := idx.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, len(treeMembers))

	res = run(t, Config{Op: OpExtract, Volume: opts, Dir: t.TempDir(), Index: idx})
	require.NoError(t, res.Err)

	ent.Digest = "0000"
	require.NoError(t, idx.Record(ent))
	require.NoError(t, idx.Flush())

	res = run(t, Config{Op: OpExtract, Volume: opts, Dir: t.TempDir(), Index: idx})
	require.ErrorIs(t, res.Err, ErrMembersDiffer)
	assert.Equal(t, int64(1), res.Stats.MembersDiffer)
}
