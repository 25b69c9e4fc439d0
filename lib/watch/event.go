// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"fmt"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

// Kind classifies a settled build.
type Kind int

const (
	// Created is the first sighting of a build's tarball.
	Created Kind = iota + 1

	// Changed means a known build settled with its tarball present.
	Changed

	// Removed means a known build settled with its tarball gone.
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one settled change to a build directory.
type Event struct {
	Kind  Kind
	Build build.ID
}

func (e Event) String() string {
	return e.Kind.String() + "(" + e.Build.String() + ")"
}

// Notification is a raw, unsettled report from a Source.
type Notification struct {
	// Build is the build directory the activity happened in.
	Build build.ID

	// Overflow reports lost notifications. Build is meaningless and
	// every build must be rechecked.
	Overflow bool
}
