// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
)

const (
	// DefaultMaxAttempts bounds tries per backend operation.
	DefaultMaxAttempts = 5

	// DefaultInitialBackoff is the wait before the second attempt.
	// Each later wait doubles, up to DefaultMaxBackoff.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff caps the wait between attempts.
	DefaultMaxBackoff = 30 * time.Second
)

// backoff returns the wait before the given attempt (1-based retry
// count).
func (c *Coordinator) backoff(attempt int) time.Duration {
	wait := c.initialBackoff
	for i := 1; i < attempt && wait < c.maxBackoff; i++ {
		wait *= 2
	}
	return min(wait, c.maxBackoff)
}

// retry runs operation until it succeeds, fails permanently, or has
// used maxAttempts tries. Only errors backend.IsTransient accepts are
// retried. The context bounds the total time including backoff waits.
func (c *Coordinator) retry(ctx context.Context, logger *slog.Logger, op string, operation func(context.Context) error) error {
	var lastError error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(c.backoff(attempt)):
			}
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastError = err

		if !backend.IsTransient(err) {
			return err
		}

		logger.Warn("transient backend failure, retrying",
			"operation", op,
			"attempt", attempt+1,
			"max_attempts", c.maxAttempts,
			"error", err,
		)
	}
	return lastError
}
