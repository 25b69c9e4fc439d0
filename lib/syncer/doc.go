// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives the backend toward the artifact root.
//
// The [Coordinator] runs in two phases. Startup reconciliation syncs
// every build directory into the extraction cache, lists everything
// the backend holds, uploads files that are missing or differ, deletes
// every object with no local counterpart, and sends one invalidation
// covering all changed builds. Local state is ground truth without
// exception: a build deleted from disk while the server was down
// disappears from the backend, whatever the reason for its absence.
//
// The incremental phase consumes settled watcher events. Each build
// id gets a lane: a goroutine that runs the build's work strictly in
// order. An event for a build whose lane is busy marks the lane
// pending instead of queueing a copy, because every pass re-reads the
// filesystem; the newest state always wins and an older upload can
// never land after a newer delete. Lanes for different builds run
// concurrently up to the configured limit. The main loop waits for a
// free slot before starting a lane, which stalls the watcher rather
// than dropping events.
//
// A pass syncs the build's tarball through the cache, applies the
// returned diff (Put for added and modified files, Delete for removed
// ones), and invalidates the build's segment. Transient backend errors
// are retried with exponential backoff. When retries run out the
// build is marked Failed, and its next pass performs a build-scoped
// full reconciliation against a fresh listing instead of trusting the
// cache's incremental diff. Extraction errors are build-scoped and
// leave the previous extraction published.
//
// On shutdown, in-flight work gets a grace period before its context
// is cancelled. Anything abandoned is corrected by the next startup
// reconciliation.
package syncer
