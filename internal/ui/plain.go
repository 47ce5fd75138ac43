package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/stats"
)

// plainPresenter prints member names to stdout in verbose mode, problems
// to stderr, and periodic progress to stderr when an interval is set.
type plainPresenter struct {
	w        io.Writer
	errW     io.Writer
	stats    *stats.Collector
	verbose  bool
	interval time.Duration
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.MemberCompleted:
		if p.verbose {
			fmt.Fprintln(p.w, ev.Path)
		}
	case event.MemberFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.errW, "%s: %s\n", ev.Path, errMsg)
	case event.MemberDiffers:
		// Difference errors carry the member name.
		if ev.Error != nil {
			fmt.Fprintln(p.w, ev.Error.Error())
		} else {
			fmt.Fprintf(p.w, "%s: contents differ\n", ev.Path)
		}
	case event.MemberSkipped:
		if p.verbose {
			fmt.Fprintf(p.w, "%s  skipped\n", ev.Path)
		}
	case event.VolumeChanged:
		if p.verbose {
			fmt.Fprintf(p.errW, "volume %d: %s\n", ev.Volume, ev.Archive)
		}
	case event.VolumeOpened, event.MemberStarted, event.SparseDetected, event.EndOfArchive:
		// silent in plain mode
	}
}

func (p *plainPresenter) printProgress() {
	if p.stats == nil {
		return
	}
	snap := p.stats.Snapshot()
	fmt.Fprintf(p.errW, "progress: %s members %s %s\n",
		FormatCount(snap.MembersDone),
		FormatBytes(snap.BytesMoved),
		FormatRate(stats.Rate(snap.BytesMoved, snap.Elapsed)),
	)
}

func (p *plainPresenter) Summary() string {
	if p.stats == nil {
		return ""
	}
	return CompletionSummary(p.stats.Snapshot())
}
