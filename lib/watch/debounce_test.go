// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"testing"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func isReady(d *Debouncer) bool {
	select {
	case <-d.Ready():
		return true
	default:
		return false
	}
}

func TestDebouncerSettlesAfterQuiet(t *testing.T) {
	fake := clock.Fake(epoch)
	debouncer := NewDebouncer(fake, 2*time.Second)

	debouncer.Touch(1)
	fake.Advance(1900 * time.Millisecond)
	if isReady(debouncer) {
		t.Fatal("settled before the quiet interval elapsed")
	}

	fake.Advance(100 * time.Millisecond)
	if !isReady(debouncer) {
		t.Fatal("not settled after the quiet interval")
	}
	if got := debouncer.Take(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Take() = %v, want [1]", got)
	}
	if got := debouncer.Take(); len(got) != 0 {
		t.Errorf("second Take() = %v, want empty", got)
	}
}

func TestDebouncerTouchRestartsQuiet(t *testing.T) {
	fake := clock.Fake(epoch)
	debouncer := NewDebouncer(fake, 2*time.Second)

	// A burst of activity every 1.5s keeps the build unsettled.
	for i := 0; i < 5; i++ {
		debouncer.Touch(7)
		fake.Advance(1500 * time.Millisecond)
		if isReady(debouncer) {
			t.Fatalf("settled mid-burst after touch %d", i)
		}
	}
	if debouncer.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", debouncer.Pending())
	}

	fake.Advance(500 * time.Millisecond)
	if !isReady(debouncer) {
		t.Fatal("not settled after the burst went quiet")
	}
	if got := debouncer.Take(); len(got) != 1 || got[0] != 7 {
		t.Errorf("Take() = %v, want [7]", got)
	}
	if fake.PendingTimers() != 0 {
		t.Errorf("PendingTimers() = %d, want 0", fake.PendingTimers())
	}
}

func TestDebouncerIndependentIDs(t *testing.T) {
	fake := clock.Fake(epoch)
	debouncer := NewDebouncer(fake, 2*time.Second)

	debouncer.Touch(3)
	fake.Advance(time.Second)
	debouncer.Touch(1)
	debouncer.Touch(2)
	fake.Advance(time.Second)

	if got := debouncer.Take(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("Take() after 2s = %v, want [3]", got)
	}

	fake.Advance(time.Second)
	got := debouncer.Take()
	want := []build.ID{1, 2}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Take() after 3s = %v, want %v", got, want)
	}
}

func TestDebouncerSettledAgainAfterTake(t *testing.T) {
	fake := clock.Fake(epoch)
	debouncer := NewDebouncer(fake, time.Second)

	debouncer.Touch(4)
	fake.Advance(time.Second)
	debouncer.Take()

	debouncer.Touch(4)
	fake.Advance(time.Second)
	if !isReady(debouncer) {
		t.Fatal("second burst did not settle")
	}
	if got := debouncer.Take(); len(got) != 1 || got[0] != 4 {
		t.Errorf("Take() = %v, want [4]", got)
	}
}

func TestDebouncerStop(t *testing.T) {
	fake := clock.Fake(epoch)
	debouncer := NewDebouncer(fake, time.Second)

	debouncer.Touch(1)
	debouncer.Stop()
	debouncer.Touch(2)
	fake.Advance(time.Minute)

	if isReady(debouncer) {
		t.Error("stopped debouncer settled an id")
	}
	if fake.PendingTimers() != 0 {
		t.Errorf("PendingTimers() = %d after Stop, want 0", fake.PendingTimers())
	}
}
