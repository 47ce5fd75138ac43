package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks archive run statistics using lock-free atomic counters.
type Collector struct {
	membersSeen   atomic.Int64
	membersDone   atomic.Int64
	membersFailed atomic.Int64
	membersDiffer atomic.Int64
	membersSparse atomic.Int64
	bytesMoved    atomic.Int64
	volumesUsed   atomic.Int64
	startTime     time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddMembersSeen(n int64)   { c.membersSeen.Add(n) }
func (c *Collector) AddMembersDone(n int64)   { c.membersDone.Add(n) }
func (c *Collector) AddMembersFailed(n int64) { c.membersFailed.Add(n) }
func (c *Collector) AddMembersDiffer(n int64) { c.membersDiffer.Add(n) }
func (c *Collector) AddMembersSparse(n int64) { c.membersSparse.Add(n) }
func (c *Collector) AddBytesMoved(n int64)    { c.bytesMoved.Add(n) }

// SetVolumes records the number of volumes the run touched.
func (c *Collector) SetVolumes(n int64) { c.volumesUsed.Store(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	MembersSeen   int64
	MembersDone   int64
	MembersFailed int64
	MembersDiffer int64
	MembersSparse int64
	BytesMoved    int64
	Volumes       int64
	Elapsed       time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		MembersSeen:   c.membersSeen.Load(),
		MembersDone:   c.membersDone.Load(),
		MembersFailed: c.membersFailed.Load(),
		MembersDiffer: c.membersDiffer.Load(),
		MembersSparse: c.membersSparse.Load(),
		BytesMoved:    c.bytesMoved.Load(),
		Volumes:       c.volumesUsed.Load(),
		Elapsed:       c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"members=%d done=%d failed=%d differ=%d sparse=%d bytes=%d volumes=%d",
		s.MembersSeen, s.MembersDone, s.MembersFailed, s.MembersDiffer,
		s.MembersSparse, s.BytesMoved, s.Volumes,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Rate returns n bytes over d as bytes per second. A zero duration gives
// zero.
func Rate(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

// FormatTotal renders a total byte count the way the archive totals are
// reported: "LABEL: N (HUMAN, RATE/s)".
func FormatTotal(label string, n int64, d time.Duration) string {
	return fmt.Sprintf("%s: %d (%s, %s/s)", label, n, FormatBytes(n), FormatBytes(int64(Rate(n, d))))
}
