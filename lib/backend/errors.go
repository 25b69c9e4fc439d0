// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError wraps a failure that may succeed on retry: timeouts,
// throttling, connection resets, server-side 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s (transient): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConfigError reports a missing permission, a bad credential, or an
// unusable target. Check returns it; the process must not start.
type ConfigError struct {
	// Check names the permission or self-check step that failed, e.g.
	// "s3:PutObject".
	Check string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("backend self-check %s failed: %v", e.Check, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Context
// cancellation is never transient: the caller gave up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
