// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
)

// DefaultQuiet is the quiet interval after which a build settles.
const DefaultQuiet = 2 * time.Second

// Debouncer coalesces notifications per build id. Each Touch re-arms
// the id's timer; when a timer fires the id becomes settled and Ready
// is signalled. Timer callbacks never block.
type Debouncer struct {
	clock clock.Clock
	quiet time.Duration

	mu      sync.Mutex
	pending map[build.ID]*pendingTimer
	settled map[build.ID]struct{}
	stopped bool

	ready chan struct{}
}

type pendingTimer struct {
	timer *clock.Timer
}

// NewDebouncer returns a Debouncer that settles ids after quiet. A
// non-positive quiet selects DefaultQuiet.
func NewDebouncer(clk clock.Clock, quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Debouncer{
		clock:   clk,
		quiet:   quiet,
		pending: make(map[build.ID]*pendingTimer),
		settled: make(map[build.ID]struct{}),
		ready:   make(chan struct{}, 1),
	}
}

// Touch records activity for id, restarting its quiet interval.
func (d *Debouncer) Touch(id build.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if previous, ok := d.pending[id]; ok {
		previous.timer.Stop()
	}
	// A callback that lost the race with Stop sees a different entry
	// in pending and does nothing.
	entry := &pendingTimer{}
	d.pending[id] = entry
	entry.timer = d.clock.AfterFunc(d.quiet, func() { d.fire(id, entry) })
}

func (d *Debouncer) fire(id build.ID, entry *pendingTimer) {
	d.mu.Lock()
	if d.stopped || d.pending[id] != entry {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	d.settled[id] = struct{}{}
	d.mu.Unlock()

	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when at least one id has settled since the last
// Take.
func (d *Debouncer) Ready() <-chan struct{} {
	return d.ready
}

// Take returns and clears the settled ids in ascending order.
func (d *Debouncer) Take() []build.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]build.ID, 0, len(d.settled))
	for id := range d.settled {
		ids = append(ids, id)
	}
	clear(d.settled)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pending reports how many ids are waiting for their quiet interval.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending timer. Later Touch calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, id)
	}
}
