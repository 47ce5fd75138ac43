package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddMembersSeen(1)
				c.AddMembersDone(1)
				c.AddMembersFailed(1)
				c.AddMembersDiffer(1)
				c.AddMembersSparse(1)
				c.AddBytesMoved(512)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.MembersSeen)
	assert.Equal(t, expected, s.MembersDone)
	assert.Equal(t, expected, s.MembersFailed)
	assert.Equal(t, expected, s.MembersDiffer)
	assert.Equal(t, expected, s.MembersSparse)
	assert.Equal(t, expected*512, s.BytesMoved)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		MembersSeen:   10,
		MembersDone:   8,
		MembersFailed: 1,
		MembersDiffer: 1,
		MembersSparse: 2,
		BytesMoved:    4096,
		Volumes:       3,
	}
	expected := "members=10 done=8 failed=1 differ=1 sparse=2 bytes=4096 volumes=3"
	assert.Equal(t, expected, s.String())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, FormatBytes(tt.input))
		})
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestSetVolumes(t *testing.T) {
	c := NewCollector()
	c.SetVolumes(4)
	assert.Equal(t, int64(4), c.Snapshot().Volumes)
}

func TestRate(t *testing.T) {
	assert.InDelta(t, 1024.0, Rate(2048, 2*time.Second), 0.01)
	assert.Equal(t, 0.0, Rate(2048, 0))
}

func TestFormatTotal(t *testing.T) {
	got := FormatTotal("Total bytes written", 10240, 2*time.Second)
	assert.Equal(t, "Total bytes written: 10240 (10.0 KiB, 5.0 KiB/s)", got)

	got = FormatTotal("Total bytes read", 512, 0)
	assert.Equal(t, "Total bytes read: 512 (512 B, 0 B/s)", got)
}

func TestSnapshotIncludesElapsed(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)
	s := c.Snapshot()
	assert.Greater(t, s.Elapsed, time.Duration(0))
}
