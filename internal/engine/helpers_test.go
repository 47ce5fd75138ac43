package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/volume"
)

// treeMtime is the modification time given to every file of a test tree.
var treeMtime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// writeTree creates a small tree under root:
//
//	a.txt        "hello"
//	hard         hard link to a.txt
//	sub/b.txt    3000 bytes
//	sub/empty/
//	sub/link  -> b.txt
func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), pattern(3000), 0o600))
	require.NoError(t, os.Link(filepath.Join(root, "a.txt"), filepath.Join(root, "hard")))
	require.NoError(t, os.Symlink("b.txt", filepath.Join(root, "sub", "link")))
	for _, p := range []string{"a.txt", "sub/b.txt", "sub/empty", "sub", "."} {
		require.NoError(t, os.Chtimes(filepath.Join(root, p), treeMtime, treeMtime))
	}
}

var treeMembers = []string{"./", "a.txt", "hard", "sub/", "sub/b.txt", "sub/empty/", "sub/link"}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func archiveOpts(names ...string) volume.Options {
	return volume.Options{Archives: names, BlockingFactor: 4}
}

func run(t *testing.T, cfg Config) Result {
	t.Helper()
	return Run(context.Background(), cfg)
}

// listNames lists the archive and returns the member names.
func listNames(t *testing.T, opts volume.Options) []string {
	t.Helper()
	var out bytes.Buffer
	res := run(t, Config{Op: OpList, Volume: opts, Out: &out})
	require.NoError(t, res.Err)
	return strings.Split(strings.TrimSpace(out.String()), "\n")
}

// collect runs cfg with an event sink and returns the events emitted.
func collect(t *testing.T, cfg Config) (Result, []event.Event) {
	t.Helper()
	ch := make(chan event.Event, 1024)
	cfg.Events = ch
	res := run(t, cfg)
	close(ch)
	var evs []event.Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return res, evs
}

func countEvents(evs []event.Event, typ event.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func mkfifo(path string) error {
	return unix.Mkfifo(path, 0o644)
}
