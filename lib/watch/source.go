// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import "context"

// Source produces raw notifications for build directories.
type Source interface {
	// Run delivers notifications to notify until ctx is cancelled or
	// the source fails. notify is called from a single goroutine and
	// must not block for long. A non-nil error other than the context
	// error means the source can no longer observe the filesystem.
	Run(ctx context.Context, notify func(Notification)) error

	// Close releases the source's resources. Safe to call more than
	// once and after Run has returned.
	Close() error
}
