package ui

import (
	"fmt"

	"github.com/bamsammich/reel/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  members 1,204  size 2.1 GiB  avg 64.0 MiB/s  time 3:17  volumes 2  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	icon := "✓"
	if snap.MembersFailed > 0 || snap.MembersDiffer > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  members %s  size %s  avg %s  time %s",
		icon,
		FormatCount(snap.MembersDone),
		FormatBytes(snap.BytesMoved),
		FormatRate(stats.Rate(snap.BytesMoved, snap.Elapsed)),
		FormatDuration(snap.Elapsed),
	)
	if snap.Volumes > 1 {
		base += fmt.Sprintf("  volumes %d", snap.Volumes)
	}
	if snap.MembersSparse > 0 {
		base += fmt.Sprintf("  sparse %s", FormatCount(snap.MembersSparse))
	}
	if snap.MembersDiffer > 0 {
		base += fmt.Sprintf("  differ %s", FormatCount(snap.MembersDiffer))
	}
	base += fmt.Sprintf("  errors %d", snap.MembersFailed)
	return base
}
