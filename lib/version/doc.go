// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information for
// cmgr-artifact-server.
//
// Release builds inject [GitCommit], [GitDirty], [BuildTime], and
// [Version] with -ldflags -X. Builds without injected values fall back
// to the VCS stamp the Go toolchain records in the binary, so a plain
// "go build" from a checkout still reports its commit.
package version
