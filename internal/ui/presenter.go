package ui

import (
	"io"
	"time"

	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	// Progress is the interval between progress lines on ErrWriter.
	// Zero disables them.
	Progress time.Duration
	Quiet    bool
	Verbose  bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // returns the presenter matching cfg
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{}
	}
	return &plainPresenter{
		w:        cfg.Writer,
		errW:     cfg.ErrWriter,
		stats:    cfg.Stats,
		verbose:  cfg.Verbose,
		interval: cfg.Progress,
	}
}
