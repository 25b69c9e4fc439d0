// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
)

const (
	rootMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
		unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_ONLYDIR

	// IN_MODIFY keeps a slow write from settling before it closes.
	buildMask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_MOVED_FROM |
		unix.IN_MOVED_TO | unix.IN_DELETE | unix.IN_ATTRIB | unix.IN_ONLYDIR

	// Room for a few hundred events with short names per read.
	inotifyBufferSize = 64 * 1024
)

// Inotify is a Source backed by Linux inotify.
type Inotify struct {
	layout build.Layout
	logger *slog.Logger

	fd        int
	rootWatch int32
	closeOnce sync.Once

	// Owned by the Run goroutine after construction.
	builds  map[int32]build.ID
	watches map[build.ID]int32
}

// NewInotify creates an inotify instance watching layout's root and
// every build directory already present. Failure here (including
// exhausted instance or watch limits) is fatal: the server cannot
// observe the artifact root.
func NewInotify(layout build.Layout, logger *slog.Logger) (*Inotify, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	rootWatch, err := unix.InotifyAddWatch(fd, layout.Root, rootMask)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", layout.Root, err)
	}

	source := &Inotify{
		layout:    layout,
		logger:    logger,
		fd:        fd,
		rootWatch: int32(rootWatch),
		builds:    make(map[int32]build.ID),
		watches:   make(map[build.ID]int32),
	}

	entries, err := os.ReadDir(layout.Root)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("reading artifact directory: %w", err)
	}
	for _, entry := range entries {
		id, err := build.ParseID(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		if err := source.addBuildWatch(id); err != nil {
			source.Close()
			return nil, err
		}
	}
	return source, nil
}

// Run implements Source. It polls with a 100ms timeout so that
// cancellation is noticed promptly, and closes the inotify descriptor
// on return.
func (s *Inotify) Run(ctx context.Context, notify func(Notification)) error {
	defer s.Close()

	buffer := make([]byte, inotifyBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("polling inotify: %w", err)
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(s.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reading inotify: %w", err)
		}

		var handleErr error
		parseInotifyEvents(buffer[:bytesRead], func(watch int32, mask uint32, name string) bool {
			handleErr = s.handle(watch, mask, name, notify)
			return handleErr == nil
		})
		if handleErr != nil {
			return handleErr
		}
	}
}

// Close implements Source.
func (s *Inotify) Close() error {
	var err error
	s.closeOnce.Do(func() { err = unix.Close(s.fd) })
	return err
}

func (s *Inotify) handle(watch int32, mask uint32, name string, notify func(Notification)) error {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		s.logger.Warn("inotify queue overflowed, rechecking every build")
		notify(Notification{Overflow: true})
		return nil
	}

	if watch == s.rootWatch {
		if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
			return errors.New("artifact directory was removed or moved")
		}
		if mask&unix.IN_ISDIR == 0 {
			return nil
		}
		id, err := build.ParseID(name)
		if err != nil {
			return nil
		}
		switch {
		case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
			if err := s.addBuildWatch(id); err != nil {
				return err
			}
		case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
			s.dropBuildWatch(id)
		}
		notify(Notification{Build: id})
		return nil
	}

	id, ok := s.builds[watch]
	if !ok {
		return nil
	}
	if mask&unix.IN_IGNORED != 0 {
		// The kernel removed the watch (directory deleted).
		delete(s.builds, watch)
		if s.watches[id] == watch {
			delete(s.watches, id)
		}
		return nil
	}
	notify(Notification{Build: id})
	return nil
}

// addBuildWatch watches one build directory. A directory that vanished
// before the watch was added is not an error; its removal is reported
// through the root watch.
func (s *Inotify) addBuildWatch(id build.ID) error {
	path := filepath.Join(s.layout.Root, id.String())
	watch, err := unix.InotifyAddWatch(s.fd, path, buildMask)
	if err != nil {
		if err == unix.ENOENT || err == unix.ENOTDIR {
			return nil
		}
		return fmt.Errorf("inotify_add_watch on %s: %w", path, err)
	}
	s.builds[int32(watch)] = id
	s.watches[id] = int32(watch)
	return nil
}

func (s *Inotify) dropBuildWatch(id build.ID) {
	watch, ok := s.watches[id]
	if !ok {
		return
	}
	delete(s.watches, id)
	delete(s.builds, watch)
	// Fails with EINVAL when the kernel already dropped it.
	unix.InotifyRmWatch(s.fd, uint32(watch))
}

// parseInotifyEvents walks a buffer of raw inotify events, calling
// visit for each until it returns false.
//
// Inotify event layout (from inotify(7)):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null-padded to alignment
//	};
func parseInotifyEvents(buffer []byte, visit func(watch int32, mask uint32, name string) bool) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		watch := int32(binary.NativeEndian.Uint32(buffer[offset : offset+4]))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			return
		}

		var name string
		if nameLength > 0 {
			name = nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		if !visit(watch, mask, name) {
			return
		}
		offset += eventSize
	}
}

// nullTerminatedString extracts a string from a null-padded byte slice,
// stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
