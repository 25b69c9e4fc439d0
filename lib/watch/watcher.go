// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
)

// DefaultBuffer is the capacity of the Watcher's event channel.
const DefaultBuffer = 64

// Config configures a Watcher.
type Config struct {
	// Layout is the artifact root being watched. Required.
	Layout build.Layout

	// Source supplies raw notifications. Required.
	Source Source

	// Clock drives the debounce timers. Defaults to clock.Real().
	Clock clock.Clock

	// Quiet is the debounce interval. Defaults to DefaultQuiet.
	Quiet time.Duration

	// Buffer is the event channel capacity. Defaults to
	// DefaultBuffer.
	Buffer int

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Watcher emits settled build events. Create with New, start with Run,
// and consume Events until it is closed.
type Watcher struct {
	layout    build.Layout
	source    Source
	debouncer *Debouncer
	logger    *slog.Logger
	events    chan Event

	mu    sync.Mutex
	known map[build.ID]bool
}

// New creates a Watcher. Builds that already have a tarball are known
// from the start, so their next settlement is Changed or Removed.
func New(config Config) (*Watcher, error) {
	if config.Source == nil {
		panic("watch.New: Source is required")
	}
	if config.Logger == nil {
		panic("watch.New: Logger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultBuffer
	}

	existing, err := config.Layout.Scan()
	if err != nil {
		return nil, fmt.Errorf("scanning artifact directory: %w", err)
	}
	known := make(map[build.ID]bool, len(existing))
	for _, id := range existing {
		known[id] = true
	}

	return &Watcher{
		layout:    config.Layout,
		source:    config.Source,
		debouncer: NewDebouncer(config.Clock, config.Quiet),
		logger:    config.Logger,
		events:    make(chan Event, config.Buffer),
		known:     known,
	}, nil
}

// Events returns the settled event stream. It is closed when Run
// returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run drives the source and the debouncer until ctx is cancelled
// (returning nil) or the source fails (returning its error).
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.debouncer.Stop()

	sourceCtx, cancelSource := context.WithCancel(ctx)
	defer cancelSource()

	sourceDone := make(chan error, 1)
	go func() {
		sourceDone <- w.source.Run(sourceCtx, w.notify)
	}()

	for {
		select {
		case <-ctx.Done():
			<-sourceDone
			return nil

		case err := <-sourceDone:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch source failed: %w", err)

		case <-w.debouncer.Ready():
			for _, id := range w.debouncer.Take() {
				event, ok := w.classify(id)
				if !ok {
					continue
				}
				w.logger.Debug("build settled", "build_id", id, "kind", event.Kind.String())
				select {
				case w.events <- event:
				case <-ctx.Done():
					cancelSource()
					<-sourceDone
					return nil
				}
			}
		}
	}
}

func (w *Watcher) notify(notification Notification) {
	if !notification.Overflow {
		w.debouncer.Touch(notification.Build)
		return
	}

	ids := make(map[build.ID]bool)
	w.mu.Lock()
	for id := range w.known {
		ids[id] = true
	}
	w.mu.Unlock()
	onDisk, err := w.layout.Scan()
	if err != nil {
		w.logger.Error("rescanning artifact directory after overflow", "error", err)
	}
	for _, id := range onDisk {
		ids[id] = true
	}
	for id := range ids {
		w.debouncer.Touch(id)
	}
}

// classify decides the event for a settled build from the filesystem
// as it is now.
func (w *Watcher) classify(id build.ID) (Event, bool) {
	present := w.layout.HasTarball(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case present && !w.known[id]:
		w.known[id] = true
		return Event{Kind: Created, Build: id}, true
	case present:
		return Event{Kind: Changed, Build: id}, true
	case w.known[id]:
		delete(w.known, id)
		return Event{Kind: Removed, Build: id}, true
	default:
		return Event{}, false
	}
}
