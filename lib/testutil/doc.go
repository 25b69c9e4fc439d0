// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the artifact
// server packages.
//
// [RequireReceive], [RequireSend], [RequireNoReceive], and
// [RequireClosed] encapsulate the timeout safety valve pattern (select
// with time.After fallback) so that individual tests do not need
// direct time.After calls. These are the only place in the test suite
// where real wall-clock timeouts are used; everything else runs on
// clock.Fake.
//
// [WriteTarball] and [WriteBuild] produce artifact trees the way cmgr
// lays them out: a build directory holding loose files plus a bundled
// tarball. The archive format follows the tarball name's suffix.
//
// [Logger] returns a slog logger that writes through t.Log so that
// component logs appear next to the failing assertion.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package depends only on the compression libraries.
package testutil
