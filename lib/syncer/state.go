// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import "fmt"

// Phase is where a build is in its sync lifecycle.
type Phase int

const (
	// Idle builds have not been processed since startup.
	Idle Phase = iota

	// Syncing builds have a pass in progress.
	Syncing

	// Synced builds match the backend as of their last pass.
	Synced

	// Failed builds exhausted retries or failed extraction. The next
	// pass reconciles the whole build.
	Failed

	// Removed builds no longer exist. A later Created event starts a
	// fresh lifecycle.
	Removed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Failed:
		return "failed"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the lifecycle record of one build.
type State struct {
	Phase Phase

	// Failures counts consecutive failed passes. Reset by a
	// successful pass.
	Failures int

	// LastError is the most recent failure, empty after success.
	LastError string
}
