// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/buildcache"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/obfuscate"
)

// Report summarizes one reconciliation.
type Report struct {
	// Builds is the number of local builds compared.
	Builds int

	// Uploaded and Deleted count objects written and removed.
	Uploaded int
	Deleted  int

	// Invalidated is the number of build segments invalidated.
	Invalidated int

	// Failed is the number of builds left in the Failed phase.
	Failed int
}

// upload is one file scheduled for Put.
type upload struct {
	build   build.ID
	segment string
	file    buildcache.File
}

// plan is the set of backend mutations that makes a remote listing
// match the local file set.
type plan struct {
	uploads []upload
	deletes []string

	// changed holds every segment touched by an upload or delete.
	changed map[string]bool
}

// planChanges compares local files (keyed by object key) with a
// remote listing. A remote object matches when its size and ETag agree
// with the local file. Remote keys under a protected segment are left
// alone even without a local counterpart.
func planChanges(local map[string]upload, remote []backend.Object, protected map[string]bool) plan {
	result := plan{changed: make(map[string]bool)}

	remoteByKey := make(map[string]backend.Object, len(remote))
	for _, object := range remote {
		remoteByKey[object.Key] = object
	}

	for key, candidate := range local {
		object, ok := remoteByKey[key]
		if ok && object.Size == candidate.file.Size && object.ETag == candidate.file.ETag() {
			continue
		}
		result.uploads = append(result.uploads, candidate)
		result.changed[candidate.segment] = true
	}

	for key := range remoteByKey {
		if _, ok := local[key]; ok {
			continue
		}
		segment, _, isBuildObject := backend.SplitKey(key)
		if isBuildObject && protected[segment] {
			continue
		}
		result.deletes = append(result.deletes, key)
		if isBuildObject {
			result.changed[segment] = true
		}
	}

	sort.Slice(result.uploads, func(i, j int) bool {
		if result.uploads[i].build != result.uploads[j].build {
			return result.uploads[i].build < result.uploads[j].build
		}
		return result.uploads[i].file.Path < result.uploads[j].file.Path
	})
	sort.Strings(result.deletes)
	return result
}

func (p plan) changedSegments() []string {
	segments := make([]string, 0, len(p.changed))
	for segment := range p.changed {
		segments = append(segments, segment)
	}
	sort.Strings(segments)
	return segments
}

// Reconcile makes the backend match the artifact root. Every build on
// disk is synced into the cache, cached builds that vanished from disk
// are removed, and the backend is then corrected against a full
// listing: missing or differing files are uploaded and every object
// without a local counterpart is deleted. Builds whose sync or upload
// fails are marked Failed and left for their next event; their remote
// objects are only deleted when the build has nothing cached at all
// and its tarball is gone.
//
// The error return covers failures that leave the backend state
// unknown: an unreadable artifact root, a listing that could not be
// fetched, or an obfuscation collision.
func (c *Coordinator) Reconcile(ctx context.Context) (Report, error) {
	ids, err := c.layout.Scan()
	if err != nil {
		return Report{}, err
	}

	onDisk := make(map[build.ID]bool, len(ids))
	failed := make(map[build.ID]bool)
	for _, id := range ids {
		onDisk[id] = true
		if _, err := c.cache.Sync(ctx, id); err != nil {
			if ctx.Err() != nil {
				return Report{}, ctx.Err()
			}
			c.fail(id, err)
			failed[id] = true
		}
	}
	for _, id := range c.cache.Builds() {
		if onDisk[id] {
			continue
		}
		if _, err := c.cache.Remove(id); err != nil {
			c.fail(id, err)
			failed[id] = true
		}
	}

	// A build that failed with nothing cached still exists on disk.
	// Its remote objects are the last good publication, so they stay.
	protected := make(map[string]bool)
	for id := range failed {
		if _, cached := c.cache.Entry(id); cached || !onDisk[id] {
			continue
		}
		segment, err := c.segments.Segment(id)
		if err != nil {
			return Report{}, c.fatalSegment(id, err)
		}
		protected[segment] = true
	}

	cached := c.cache.Builds()
	bySegment := make(map[string]build.ID, len(cached))
	local := make(map[string]upload)
	for _, id := range cached {
		segment, err := c.segments.Segment(id)
		if err != nil {
			return Report{}, c.fatalSegment(id, err)
		}
		bySegment[segment] = id
		for _, file := range c.cache.Files(id) {
			local[backend.Key(segment, file.Path)] = upload{build: id, segment: segment, file: file}
		}
	}

	var remote []backend.Object
	err = c.retry(ctx, c.logger, "list", func(ctx context.Context) error {
		var listErr error
		remote, listErr = c.backend.List(ctx, "")
		return listErr
	})
	if err != nil {
		return Report{}, fmt.Errorf("listing backend objects: %w", err)
	}

	changes := planChanges(local, remote, protected)
	report := Report{Builds: len(cached)}

	uploadFailures := c.putAll(ctx, changes.uploads)
	for id, err := range uploadFailures {
		c.fail(id, err)
		failed[id] = true
	}
	report.Uploaded = len(changes.uploads) - failedUploads(changes.uploads, uploadFailures)

	for _, key := range changes.deletes {
		if foreignKey(key) {
			c.logger.Warn("deleting object that belongs to no build", "key", key)
		}
	}
	if len(changes.deletes) > 0 {
		if err := c.deleteKeys(ctx, c.logger, changes.deletes); err != nil {
			// Builds still present locally lost files that now linger
			// remotely. Vanished builds are retried at the next startup.
			for _, key := range changes.deletes {
				segment, _, _ := backend.SplitKey(key)
				if id, ok := bySegment[segment]; ok && !failed[id] {
					c.fail(id, err)
					failed[id] = true
				}
			}
			c.logger.Error("failed to delete stale objects",
				"objects", len(changes.deletes),
				"error", err,
			)
		} else {
			report.Deleted = len(changes.deletes)
		}
	}

	if segments := changes.changedSegments(); len(segments) > 0 {
		if err := c.invalidate(ctx, c.logger, segments); err != nil {
			for _, segment := range segments {
				if id, ok := bySegment[segment]; ok && !failed[id] {
					c.fail(id, err)
					failed[id] = true
				}
			}
		} else {
			report.Invalidated = len(segments)
		}
	}

	c.mu.Lock()
	for _, id := range cached {
		if !failed[id] {
			c.states[id] = State{Phase: Synced}
		}
	}
	c.mu.Unlock()

	report.Failed = len(failed)
	c.logger.Info("startup reconciliation complete",
		"builds", report.Builds,
		"uploaded", report.Uploaded,
		"deleted", report.Deleted,
		"invalidated", report.Invalidated,
		"failed", report.Failed,
	)
	return report, nil
}

// ReconcileBuild corrects one build's remote objects against a fresh
// listing of its segment instead of trusting an incremental diff. The
// segment is always invalidated.
func (c *Coordinator) ReconcileBuild(ctx context.Context, id build.ID) (Report, error) {
	logger := c.logger.With("build_id", id)
	segment, err := c.segments.Segment(id)
	if err != nil {
		return Report{}, err
	}

	local := make(map[string]upload)
	for _, file := range c.cache.Files(id) {
		local[backend.Key(segment, file.Path)] = upload{build: id, segment: segment, file: file}
	}

	var remote []backend.Object
	err = c.retry(ctx, logger, "list", func(ctx context.Context) error {
		var listErr error
		remote, listErr = c.backend.List(ctx, backend.SegmentPrefix(segment))
		return listErr
	})
	if err != nil {
		return Report{}, fmt.Errorf("listing objects of build %s: %w", id, err)
	}

	changes := planChanges(local, remote, nil)
	if failures := c.putAll(ctx, changes.uploads); len(failures) > 0 {
		return Report{}, failures[id]
	}
	if len(changes.deletes) > 0 {
		if err := c.deleteKeys(ctx, logger, changes.deletes); err != nil {
			return Report{}, err
		}
	}
	if err := c.invalidate(ctx, logger, []string{segment}); err != nil {
		return Report{}, err
	}

	report := Report{
		Builds:      1,
		Uploaded:    len(changes.uploads),
		Deleted:     len(changes.deletes),
		Invalidated: 1,
	}
	logger.Info("build reconciled",
		"uploaded", report.Uploaded,
		"deleted", report.Deleted,
	)
	return report, nil
}

// putAll uploads files and returns the first error for each build that
// had a failed upload. Uploads of one build run one at a time, stopping
// at the first failure; up to concurrency builds upload in parallel.
func (c *Coordinator) putAll(ctx context.Context, uploads []upload) map[build.ID]error {
	if len(uploads) == 0 {
		return nil
	}

	var batches [][]upload
	batchOf := make(map[build.ID]int)
	for _, item := range uploads {
		index, ok := batchOf[item.build]
		if !ok {
			index = len(batches)
			batchOf[item.build] = index
			batches = append(batches, nil)
		}
		batches[index] = append(batches[index], item)
	}

	var (
		mu       sync.Mutex
		failures = make(map[build.ID]error)
		work     = make(chan []upload)
		workers  sync.WaitGroup
	)
	for range min(c.concurrency, len(batches)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for batch := range work {
				for _, item := range batch {
					if err := c.put(ctx, item); err != nil {
						mu.Lock()
						failures[item.build] = err
						mu.Unlock()
						break
					}
				}
			}
		}()
	}
	for _, batch := range batches {
		work <- batch
	}
	close(work)
	workers.Wait()
	return failures
}

func (c *Coordinator) put(ctx context.Context, item upload) error {
	path, file, ok := c.cache.Lookup(item.build, item.file.Path)
	if !ok {
		return fmt.Errorf("build %s: %s is no longer extracted", item.build, item.file.Path)
	}
	request := backend.Upload{
		Key:  backend.Key(item.segment, file.Path),
		Path: path,
		Size: file.Size,
		MD5:  file.MD5,
	}
	return c.retry(ctx, c.logger.With("build_id", item.build), "put", func(ctx context.Context) error {
		return c.backend.Put(ctx, request)
	})
}

func (c *Coordinator) deleteKeys(ctx context.Context, logger *slog.Logger, keys []string) error {
	return c.retry(ctx, logger, "delete", func(ctx context.Context) error {
		return c.backend.Delete(ctx, keys...)
	})
}

func (c *Coordinator) invalidate(ctx context.Context, logger *slog.Logger, segments []string) error {
	return c.retry(ctx, logger, "invalidate", func(ctx context.Context) error {
		return c.backend.Invalidate(ctx, segments)
	})
}

// foreignKey reports whether key lies outside every possible build
// segment: it has no segment, or its segment is neither a build id nor
// an obfuscation token.
func foreignKey(key string) bool {
	segment, _, ok := backend.SplitKey(key)
	if !ok {
		return true
	}
	if _, err := build.ParseID(segment); err == nil {
		return false
	}
	if len(segment) != obfuscate.TokenLength {
		return true
	}
	_, err := hex.DecodeString(segment)
	return err != nil
}

func failedUploads(uploads []upload, failures map[build.ID]error) int {
	count := 0
	for _, item := range uploads {
		if _, ok := failures[item.build]; ok {
			count++
		}
	}
	return count
}
