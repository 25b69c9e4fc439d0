// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/denormal/go-gitignore"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
)

const (
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// Config configures a Cache.
type Config struct {
	// Layout locates builds and the cache directory. Required.
	Layout build.Layout

	// Exclude lists gitignore-style patterns. Matching files are
	// extracted but not published.
	Exclude []string

	// Clock stamps entries. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Cache is the extraction cache. Create with New, then call Open
// before any other method.
type Cache struct {
	layout  build.Layout
	exclude gitignore.GitIgnore
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[build.ID]*Entry

	locksMu sync.Mutex
	locks   map[build.ID]*buildLock
}

type buildLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Cache from config. Exclude patterns are compiled here
// so that a malformed pattern is a startup error.
func New(config Config) (*Cache, error) {
	if config.Logger == nil {
		panic("buildcache.New: Logger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	var exclude gitignore.GitIgnore
	if patterns := excludePatterns(config.Exclude); len(patterns) > 0 {
		var patternErr error
		exclude = gitignore.New(
			strings.NewReader(strings.Join(patterns, "\n")),
			config.Layout.CacheDir(),
			func(err gitignore.Error) bool {
				patternErr = err
				return false
			},
		)
		if patternErr != nil || exclude == nil {
			return nil, fmt.Errorf("parsing exclude patterns: %v", patternErr)
		}
	}

	return &Cache{
		layout:  config.Layout,
		exclude: exclude,
		clock:   config.Clock,
		logger:  config.Logger,
		entries: make(map[build.ID]*Entry),
		locks:   make(map[build.ID]*buildLock),
	}, nil
}

// excludePatterns drops blank lines and comments and rewrites
// directory patterns ("debug/") to match everything beneath them.
func excludePatterns(raw []string) []string {
	var patterns []string
	for _, pattern := range raw {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		if strings.HasSuffix(pattern, "/") && !strings.HasSuffix(pattern, "**/") {
			pattern += "**"
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

// Open creates the cache directory if needed, loads manifests, and
// discards anything that is not a complete extraction with a matching
// manifest: interrupted staging trees, trash, stray files, extractions
// without manifests, and manifests without extractions.
func (c *Cache) Open() error {
	if err := os.MkdirAll(c.manifestDir(), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	manifests, err := c.readManifests()
	if err != nil {
		return err
	}

	dirEntries, err := os.ReadDir(c.layout.CacheDir())
	if err != nil {
		return fmt.Errorf("reading cache directory: %w", err)
	}

	present := make(map[build.ID]bool)
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		fullPath := filepath.Join(c.layout.CacheDir(), name)
		if name == manifestDirName {
			continue
		}
		if id, err := build.ParseID(name); err == nil && dirEntry.IsDir() {
			if _, ok := manifests[id]; ok {
				present[id] = true
				continue
			}
			c.logger.Debug("removing extraction without manifest", "build_id", id)
		} else {
			c.logger.Debug("removing unrecognized cache entry", "path", fullPath)
		}
		if err := os.RemoveAll(fullPath); err != nil {
			return fmt.Errorf("removing %s: %w", fullPath, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range manifests {
		if !present[id] {
			c.logger.Debug("removing manifest without extraction", "build_id", id)
			os.Remove(c.manifestPath(id))
			continue
		}
		entry.Dir = c.liveDir(id)
		c.entries[id] = entry
	}
	c.logger.Info("extraction cache opened",
		"path", c.layout.CacheDir(),
		"builds", len(c.entries),
	)
	return nil
}

// Sync brings the extraction for id in line with its tarball and
// returns how the published file set changed. An unchanged tarball
// fingerprint is a no-op with an empty diff. A missing tarball is
// treated as a removal.
func (c *Cache) Sync(ctx context.Context, id build.ID) (Diff, error) {
	unlock := c.lockBuild(id)
	defer unlock()

	tarballPath := c.layout.TarballPath(id)
	info, err := os.Stat(tarballPath)
	if errors.Is(err, os.ErrNotExist) {
		return c.removeLocked(id)
	}
	if err != nil {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: tarballPath, Err: err}
	}
	if !info.Mode().IsRegular() {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: tarballPath, Err: errors.New("not a regular file")}
	}

	fingerprint := fingerprintOf(info)
	previous, _ := c.Entry(id)
	if previous.Tarball == fingerprint && previous.Dir != "" {
		return Diff{Build: id}, nil
	}

	staging, err := os.MkdirTemp(c.layout.CacheDir(), stagingPrefix+id.String()+"-*")
	if err != nil {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: c.layout.CacheDir(), Err: err}
	}
	defer os.RemoveAll(staging)

	skipped := func(name string, kind byte) {
		c.logger.Debug("skipping non-regular archive member",
			"build_id", id,
			"member", name,
			"type", string(kind),
		)
	}
	if err := extractArchive(ctx, tarballPath, staging, skipped); err != nil {
		if ctx.Err() != nil {
			return Diff{Build: id}, ctx.Err()
		}
		return Diff{Build: id}, &ExtractionError{Build: id, Tarball: tarballPath, Err: err}
	}

	// A tarball rewritten while we read it may have produced a mix of
	// old and new members. Throw the result away; the write that
	// changed it will produce another settled event.
	after, err := os.Stat(tarballPath)
	if err != nil || fingerprintOf(after) != fingerprint {
		return Diff{Build: id}, &ExtractionError{Build: id, Tarball: tarballPath, Err: errors.New("tarball changed during extraction")}
	}

	files, err := scanTree(staging, c.publishable)
	if err != nil {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: staging, Err: err}
	}

	live := c.liveDir(id)
	if err := replaceDir(staging, live); err != nil {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: live, Err: err}
	}

	entry := &Entry{
		Build:    id,
		Tarball:  fingerprint,
		Dir:      live,
		Files:    files,
		SyncedAt: c.clock.Now(),
	}
	if err := c.writeManifest(entry); err != nil {
		// The extraction is live and correct. Without a manifest the
		// next Open discards it and the build is extracted again.
		c.logger.Warn("failed to persist manifest", "build_id", id, "error", err)
	}

	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()

	diff := diffFiles(id, previous.Files, files)
	c.logger.Debug("build extracted",
		"build_id", id,
		"files", len(files),
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"removed", len(diff.Removed),
	)
	return diff, nil
}

// Remove deletes the extraction and manifest for id and returns every
// file that was published.
func (c *Cache) Remove(id build.ID) (Diff, error) {
	unlock := c.lockBuild(id)
	defer unlock()
	return c.removeLocked(id)
}

func (c *Cache) removeLocked(id build.ID) (Diff, error) {
	previous, existed := c.Entry(id)

	live := c.liveDir(id)
	if _, err := os.Lstat(live); err == nil {
		// Move the tree out of the served namespace in one rename,
		// then delete it at leisure.
		trash, err := os.MkdirTemp(c.layout.CacheDir(), trashPrefix+id.String()+"-*")
		if err != nil {
			return Diff{Build: id}, &FilesystemError{Build: id, Path: c.layout.CacheDir(), Err: err}
		}
		target := filepath.Join(trash, "tree")
		if err := os.Rename(live, target); err != nil {
			os.RemoveAll(trash)
			return Diff{Build: id}, &FilesystemError{Build: id, Path: live, Err: err}
		}
		if err := os.RemoveAll(trash); err != nil {
			c.logger.Warn("failed to delete removed extraction", "build_id", id, "path", trash, "error", err)
		}
	}

	if err := os.Remove(c.manifestPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: c.manifestPath(id), Err: err}
	}

	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()

	if !existed {
		return Diff{Build: id}, nil
	}
	return Diff{Build: id, Removed: previous.Files}, nil
}

// Entry returns a copy of the record for id.
func (c *Cache) Entry(id build.ID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return Entry{Build: id}, false
	}
	copied := *entry
	copied.Files = append([]File(nil), entry.Files...)
	return copied, true
}

// Builds returns every cached build id in ascending order.
func (c *Cache) Builds() []build.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]build.ID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Files returns the published files of id, sorted by path.
func (c *Cache) Files(id build.ID) []File {
	entry, _ := c.Entry(id)
	return entry.Files
}

// Lookup resolves a published file of id to its path on disk. Only
// files recorded in the manifest resolve; the bundle name never does.
func (c *Cache) Lookup(id build.ID, relative string) (string, File, bool) {
	if relative == "" || relative != path.Clean(relative) || strings.HasPrefix(relative, "../") || relative == ".." {
		return "", File{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return "", File{}, false
	}
	index := sort.Search(len(entry.Files), func(i int) bool { return entry.Files[i].Path >= relative })
	if index == len(entry.Files) || entry.Files[index].Path != relative {
		return "", File{}, false
	}
	return filepath.Join(entry.Dir, filepath.FromSlash(relative)), entry.Files[index], true
}

// Verify re-hashes the live extraction of id and reports any
// difference from the manifest as a non-empty diff.
func (c *Cache) Verify(id build.ID) (Diff, error) {
	unlock := c.lockBuild(id)
	defer unlock()

	entry, ok := c.Entry(id)
	if !ok {
		return Diff{Build: id}, fmt.Errorf("build %s is not cached", id)
	}
	actual, err := scanTree(entry.Dir, c.publishable)
	if err != nil {
		return Diff{Build: id}, &FilesystemError{Build: id, Path: entry.Dir, Err: err}
	}
	return diffFiles(id, entry.Files, actual), nil
}

// publishable reports whether an extracted file is part of the
// published set.
func (c *Cache) publishable(relative string) bool {
	if relative == c.layout.TarballName {
		return false
	}
	if c.exclude == nil {
		return true
	}
	match := c.exclude.Relative(relative, false)
	return match == nil || !match.Ignore()
}

func (c *Cache) liveDir(id build.ID) string {
	return filepath.Join(c.layout.CacheDir(), id.String())
}

// lockBuild acquires the per-build lock for id and returns its release
// function. Lock records are dropped once nobody holds or waits on
// them.
func (c *Cache) lockBuild(id build.ID) func() {
	c.locksMu.Lock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &buildLock{}
		c.locks[id] = lock
	}
	lock.refs++
	c.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, id)
		}
		c.locksMu.Unlock()
	}
}
