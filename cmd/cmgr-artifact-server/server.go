// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend/cloud"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend/selfhosted"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/buildcache"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/config"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/obfuscate"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/syncer"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/watch"
)

// serve wires every component from cfg and runs until ctx is cancelled
// or a component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.Real()

	layout, err := build.NewLayout(cfg.ArtifactDir, cfg.TarballName)
	if err != nil {
		return err
	}
	info, err := os.Stat(layout.Root)
	if err != nil {
		return fmt.Errorf("artifact directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("artifact directory %s is not a directory", layout.Root)
	}

	cache, err := buildcache.New(buildcache.Config{
		Layout:  layout,
		Exclude: cfg.Exclude,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := cache.Open(); err != nil {
		return fmt.Errorf("opening extraction cache: %w", err)
	}

	segments := obfuscate.New(cfg.Salt)

	target, err := newBackend(ctx, cfg, layout, cache, segments, clk, logger)
	if err != nil {
		return err
	}
	if err := target.Check(ctx); err != nil {
		return fmt.Errorf("backend %s failed its self-check: %w", target.Name(), err)
	}
	logger.Info("backend ready", "backend", target.Name())

	// The source starts recording before reconciliation so changes made
	// while it runs are not missed.
	source, err := watch.NewInotify(layout, logger)
	if err != nil {
		return fmt.Errorf("watching %s: %w", layout.Root, err)
	}
	defer source.Close()

	watcher, err := watch.New(watch.Config{
		Layout: layout,
		Source: source,
		Clock:  clk,
		Quiet:  cfg.Watch.Quiet,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	coordinator := syncer.New(syncer.Config{
		Layout:      layout,
		Cache:       cache,
		Backend:     target,
		Segments:    segments,
		Events:      watcher.Events(),
		Concurrency: cfg.Sync.Concurrency,
		MaxAttempts: cfg.Sync.MaxAttempts,
		GracePeriod: cfg.Sync.GracePeriod,
		Clock:       clk,
		Logger:      logger,
	})

	tasks := []task{
		{name: "watcher", run: watcher.Run},
		{name: "coordinator", run: coordinator.Run},
	}
	if runner, ok := target.(backend.Runner); ok {
		tasks = append(tasks, task{name: "backend", run: runner.Run})
	}
	return runTasks(ctx, tasks, logger)
}

// newBackend builds the configured distribution target.
func newBackend(ctx context.Context, cfg *config.Config, layout build.Layout, cache *buildcache.Cache, segments *obfuscate.Obfuscator, clk clock.Clock, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.SelfHosted:
		return selfhosted.New(selfhosted.Config{
			Address:  cfg.SelfHosted.Address,
			CacheDir: layout.CacheDir(),
			Files:    cache,
			Segments: segments,
			Logger:   logger,
		}), nil
	case config.S3:
		return cloud.NewFromEnvironment(ctx, cloud.Options{
			Bucket:       cfg.S3.Bucket,
			PathPrefix:   cfg.S3.PathPrefix,
			Distribution: cfg.S3.CloudFrontDistribution,
			Region:       cfg.S3.Region,
			RateLimit:    cfg.S3.RateLimit,
		}, clk, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// task is one long-running component.
type task struct {
	name string
	run  func(context.Context) error
}

// runTasks runs every task until all have returned. The first task to
// return, with or without an error, cancels the others. The first
// error is returned.
func runTasks(ctx context.Context, tasks []task, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
		group    sync.WaitGroup
	)
	for _, current := range tasks {
		group.Add(1)
		go func() {
			defer group.Done()
			err := current.run(ctx)
			if err != nil {
				logger.Error("component failed", "component", current.name, "error", err)
				once.Do(func() { firstErr = fmt.Errorf("%s: %w", current.name, err) })
			} else if ctx.Err() == nil {
				logger.Warn("component stopped unexpectedly", "component", current.name)
			}
			cancel()
		}()
	}
	group.Wait()
	return firstErr
}
