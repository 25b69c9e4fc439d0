// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch turns raw filesystem notifications under an artifact
// root into settled per-build events.
//
// Three layers, leaves first:
//
//   - A [Source] reports which build directory something happened in.
//     [Inotify] is the Linux implementation: one watch on the artifact
//     root for build directories appearing and disappearing, plus one
//     watch per build directory for writes, renames, and deletes. The
//     hidden cache directory is never watched.
//
//   - A [Debouncer] keeps one timer per build id, re-armed on every
//     raw notification. A build settles once it has been quiet for the
//     configured interval. Bursts (cmgr writing loose files, then the
//     tarball) collapse into one settlement.
//
//   - A [Watcher] classifies each settled build against the real
//     filesystem at that moment and emits [Created], [Changed], or
//     [Removed] on a bounded channel. A full channel blocks delivery;
//     events are never dropped. A build id that settles again while
//     its previous event is still queued is classified again, so the
//     consumer always sees the newest state last.
//
// Classification, not the raw notification type, decides the event:
// a tarball that is present marks the build Created (first sighting)
// or Changed; a tarball that is absent marks a previously seen build
// Removed and is otherwise ignored. Renames and partial writes
// therefore never surface as intermediate states.
//
// If the kernel event queue overflows, every known build and every
// build on disk is re-settled.
package watch
