package ui

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/stats"
)

// lockedBuffer is a bytes.Buffer safe for one writer and one reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runPlain(t *testing.T, p *plainPresenter, evs ...event.Event) {
	t.Helper()
	events := make(chan event.Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	require.NoError(t, p.Run(events))
}

func TestPlainPresenterVerboseListsMembers(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut, stats: stats.NewCollector(), verbose: true}

	runPlain(t, p,
		event.Event{Type: event.MemberStarted, Path: "dir/file.txt"},
		event.Event{Type: event.MemberCompleted, Path: "dir/file.txt", Size: 1024},
		event.Event{Type: event.MemberCompleted, Path: "dir/big.bin", Size: 100 << 20},
	)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"dir/file.txt", "dir/big.bin"}, lines)
	assert.Empty(t, errOut.String())
}

func TestPlainPresenterNotVerboseIsSilent(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut, stats: stats.NewCollector()}

	runPlain(t, p,
		event.Event{Type: event.MemberCompleted, Path: "a"},
		event.Event{Type: event.MemberSkipped, Path: "b"},
		event.Event{Type: event.VolumeChanged, Volume: 2, Archive: "b.tar"},
	)
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())
}

func TestPlainPresenterMemberFailed(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut, stats: stats.NewCollector()}

	runPlain(t, p, event.Event{Type: event.MemberFailed, Path: "fail.txt", Error: assert.AnError})

	assert.Empty(t, out.String())
	assert.Equal(t, "fail.txt: "+assert.AnError.Error()+"\n", errOut.String())
}

func TestPlainPresenterMemberDiffers(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut, stats: stats.NewCollector()}

	runPlain(t, p, event.Event{Type: event.MemberDiffers, Path: "sparse.img"})
	assert.Equal(t, "sparse.img: contents differ\n", out.String())
}

func TestPlainPresenterMemberDiffersReason(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut}

	runPlain(t, p, event.Event{
		Type:  event.MemberDiffers,
		Path:  "a.txt",
		Error: errors.New("a.txt: Mode differs"),
	})
	assert.Equal(t, "a.txt: Mode differs\n", out.String())
}

func TestPlainPresenterVolumeChanged(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &plainPresenter{w: &out, errW: &errOut, verbose: true}

	runPlain(t, p, event.Event{Type: event.VolumeChanged, Volume: 2, Archive: "b.tar"})
	assert.Equal(t, "volume 2: b.tar\n", errOut.String())
}

func TestPlainPresenterProgress(t *testing.T) {
	var out bytes.Buffer
	var errOut lockedBuffer
	collector := stats.NewCollector()
	collector.AddMembersDone(3)
	collector.AddBytesMoved(2048)
	p := &plainPresenter{w: &out, errW: &errOut, stats: collector, interval: time.Millisecond}

	events := make(chan event.Event)
	done := make(chan error, 1)
	go func() { done <- p.Run(events) }()

	require.Eventually(t, func() bool {
		return strings.Contains(errOut.String(), "progress: 3 members")
	}, time.Second, time.Millisecond)
	close(events)
	require.NoError(t, <-done)
}

func TestPlainPresenterSummary(t *testing.T) {
	collector := stats.NewCollector()
	collector.AddMembersDone(100)
	collector.AddBytesMoved(1 << 20)

	p := &plainPresenter{stats: collector}
	s := p.Summary()
	assert.Contains(t, s, "done ✓")
	assert.Contains(t, s, "members 100")
	assert.Contains(t, s, "errors 0")
	assert.NotContains(t, s, "volumes")
}

func TestCompletionSummaryFailures(t *testing.T) {
	s := CompletionSummary(stats.Snapshot{
		MembersDone:   5,
		MembersFailed: 1,
		MembersDiffer: 2,
		MembersSparse: 1,
		Volumes:       3,
		Elapsed:       2 * time.Second,
	})
	assert.Contains(t, s, "done ✗")
	assert.Contains(t, s, "volumes 3")
	assert.Contains(t, s, "sparse 1")
	assert.Contains(t, s, "differ 2")
	assert.Contains(t, s, "errors 1")
}

func TestNewPresenter(t *testing.T) {
	assert.IsType(t, &quietPresenter{}, NewPresenter(Config{Quiet: true}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{}))

	q := NewPresenter(Config{Quiet: true})
	events := make(chan event.Event, 1)
	events <- event.Event{Type: event.MemberCompleted}
	close(events)
	require.NoError(t, q.Run(events))
	assert.Empty(t, q.Summary())
}
