// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"fmt"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

// ExtractionError reports a tarball that could not be unpacked: a
// corrupt archive, an unsafe member path, or a tarball that changed
// while it was being read. The previous extraction is preserved.
type ExtractionError struct {
	Build   build.ID
	Tarball string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting build %s from %s: %v", e.Build, e.Tarball, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// FilesystemError reports an I/O failure on the tarball or the cache
// directory for one build.
type FilesystemError struct {
	Build build.ID
	Path  string
	Err   error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("build %s: %s: %v", e.Build, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }
