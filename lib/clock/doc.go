// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The watcher's debounce timers and the coordinator's retry backoff
// take a Clock instead of calling the time package directly. Production
// wiring passes Real(); tests pass Fake() and drive time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	debouncer := watch.NewDebouncer(c, 2*time.Second)
//	debouncer.Touch(7)
//	c.WaitForTimers(1)         // the debounce timer is registered
//	c.Advance(2 * time.Second) // build 7 is now ready
//
// WaitForTimers removes the race between a goroutine registering a
// timer and the test advancing time past it.
package clock
