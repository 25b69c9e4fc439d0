// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package selfhosted is the backend that serves the extraction cache
// directly over HTTP. The cache directory is the published content,
// so Put, Delete, and Invalidate have nothing to do and List reports
// the cache's own file set.
package selfhosted

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/buildcache"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/service"
)

// DefaultAddress is the listen address when none is configured.
const DefaultAddress = "0.0.0.0:4201"

// Files is the read side of the extraction cache.
type Files interface {
	Builds() []build.ID
	Files(id build.ID) []buildcache.File
	Lookup(id build.ID, relative string) (string, buildcache.File, bool)
}

// Segments maps between build ids and externally visible segments.
type Segments interface {
	Segment(id build.ID) (string, error)
	Resolve(segment string) (build.ID, bool)
}

// Config configures a Backend.
type Config struct {
	// Address is the HTTP listen address. Defaults to DefaultAddress.
	Address string

	// CacheDir is the extraction cache directory, listed by Check.
	CacheDir string

	// Files is the extraction cache. Required.
	Files Files

	// Segments resolves route segments. Required.
	Segments Segments

	// ShutdownTimeout bounds graceful HTTP shutdown. Zero selects the
	// service default.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Backend serves cached builds over HTTP.
type Backend struct {
	cacheDir string
	files    Files
	segments Segments
	logger   *slog.Logger
	server   *service.HTTPServer
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Runner  = (*Backend)(nil)
)

// New creates a self-hosted backend. The HTTP server starts with Run.
func New(config Config) *Backend {
	if config.Files == nil || config.Segments == nil {
		panic("selfhosted.New: Files and Segments are required")
	}
	if config.Logger == nil {
		panic("selfhosted.New: Logger is required")
	}
	if config.Address == "" {
		config.Address = DefaultAddress
	}

	b := &Backend{
		cacheDir: config.CacheDir,
		files:    config.Files,
		segments: config.Segments,
		logger:   config.Logger,
	}
	b.server = service.NewHTTPServer(service.HTTPServerConfig{
		Address:         config.Address,
		Handler:         NewHandler(config.Files, config.Segments, config.Logger),
		ShutdownTimeout: config.ShutdownTimeout,
		Logger:          config.Logger,
	})
	return b
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "selfhosted" }

// Check verifies the cache directory can be listed.
func (b *Backend) Check(ctx context.Context) error {
	if b.cacheDir == "" {
		return nil
	}
	if _, err := os.ReadDir(b.cacheDir); err != nil {
		return &backend.ConfigError{Check: "read cache directory", Err: err}
	}
	return nil
}

// Put implements backend.Backend. The cache already holds the file.
func (b *Backend) Put(ctx context.Context, upload backend.Upload) error { return nil }

// Delete implements backend.Backend. The cache already dropped the
// file.
func (b *Backend) Delete(ctx context.Context, keys ...string) error { return nil }

// Invalidate implements backend.Backend. There is no CDN.
func (b *Backend) Invalidate(ctx context.Context, segments []string) error { return nil }

// List reports every published file in the cache.
func (b *Backend) List(ctx context.Context, prefix string) ([]backend.Object, error) {
	var objects []backend.Object
	for _, id := range b.files.Builds() {
		segment, err := b.segments.Segment(id)
		if err != nil {
			return nil, fmt.Errorf("segment for build %s: %w", id, err)
		}
		if !strings.HasPrefix(backend.SegmentPrefix(segment), prefix) && !strings.HasPrefix(prefix, backend.SegmentPrefix(segment)) {
			continue
		}
		for _, file := range b.files.Files(id) {
			key := backend.Key(segment, file.Path)
			if strings.HasPrefix(key, prefix) {
				objects = append(objects, backend.Object{Key: key, Size: file.Size, ETag: file.ETag()})
			}
		}
	}
	return objects, nil
}

// Run serves HTTP until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	return b.server.Serve(ctx)
}

// Server exposes the HTTP server for readiness and address queries.
func (b *Backend) Server() *service.HTTPServer {
	return b.server
}
