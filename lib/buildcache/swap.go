// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// replaceDir installs staging as live. On return staging holds the
// previous live tree (or nothing), and the caller removes it.
//
// renameat2(RENAME_EXCHANGE) swaps both names in one step, so live
// always names a complete tree. Filesystems without exchange support
// fall back to moving live aside first, which leaves a short window
// where live does not exist but never one where it is half-written.
func replaceDir(staging, live string) error {
	err := unix.Renameat2(unix.AT_FDCWD, staging, unix.AT_FDCWD, live, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		// No live tree yet.
		return os.Rename(staging, live)
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EOPNOTSUPP):
		return replaceDirTwoStep(staging, live)
	default:
		return fmt.Errorf("exchanging %s with %s: %w", staging, live, err)
	}
}

func replaceDirTwoStep(staging, live string) error {
	previous := staging + "-previous"
	if err := os.Rename(live, previous); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.Rename(staging, live)
		}
		return err
	}
	if err := os.Rename(staging, live); err != nil {
		if restoreErr := os.Rename(previous, live); restoreErr != nil {
			return fmt.Errorf("installing %s: %w (restoring previous tree also failed: %v)", live, err, restoreErr)
		}
		return err
	}
	return os.Rename(previous, staging)
}
