package ui

import "github.com/bamsammich/reel/internal/event"

// quietPresenter consumes events but produces no output.
type quietPresenter struct{}

func (p *quietPresenter) Run(events <-chan event.Event) error {
	for range events {
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
