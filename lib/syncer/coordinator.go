// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/backend"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/build"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/buildcache"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/clock"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/obfuscate"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/watch"
)

const (
	// DefaultConcurrency bounds how many builds are processed at once.
	DefaultConcurrency = 4

	// DefaultGracePeriod is how long in-flight work may continue after
	// shutdown begins.
	DefaultGracePeriod = 10 * time.Second
)

// Cache is the subset of *buildcache.Cache the coordinator drives.
type Cache interface {
	Builds() []build.ID
	Files(id build.ID) []buildcache.File
	Entry(id build.ID) (buildcache.Entry, bool)
	Lookup(id build.ID, relative string) (string, buildcache.File, bool)
	Sync(ctx context.Context, id build.ID) (buildcache.Diff, error)
	Remove(id build.ID) (buildcache.Diff, error)
}

// Segments maps build ids to externally visible key segments.
type Segments interface {
	Segment(id build.ID) (string, error)
	Resolve(segment string) (build.ID, bool)
	Forget(id build.ID)
}

// Config holds everything a Coordinator needs.
type Config struct {
	// Layout locates build directories on disk. Required.
	Layout build.Layout

	// Cache extracts tarballs and reports file diffs. Required.
	Cache Cache

	// Backend receives uploads, deletes, and invalidations. Required.
	Backend backend.Backend

	// Segments names builds in object keys. Required.
	Segments Segments

	// Events is the watcher's output. Required for Run.
	Events <-chan watch.Event

	// Concurrency bounds concurrently processed builds and concurrent
	// uploads during reconciliation. Zero selects DefaultConcurrency.
	Concurrency int

	// MaxAttempts bounds tries per backend operation. Zero selects
	// DefaultMaxAttempts.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape retry waits. Zero selects
	// the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// GracePeriod bounds in-flight work after shutdown begins. Zero
	// selects DefaultGracePeriod.
	GracePeriod time.Duration

	// Clock drives backoff and the grace period. Nil selects the real
	// clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// Coordinator keeps the backend in line with the artifact root.
type Coordinator struct {
	layout   build.Layout
	cache    Cache
	backend  backend.Backend
	segments Segments
	events   <-chan watch.Event

	concurrency    int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	gracePeriod    time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	// slots holds one token per running lane.
	slots chan struct{}

	// fatal receives the first error that must stop the coordinator.
	fatal chan error

	mu     sync.Mutex
	lanes  map[build.ID]*lane
	states map[build.ID]State
}

// lane serializes the work of one build.
type lane struct {
	// pending is set when an event arrives while the lane is busy.
	// Guarded by Coordinator.mu.
	pending bool
}

// New creates a Coordinator. It panics if a required field is missing.
func New(config Config) *Coordinator {
	if config.Cache == nil {
		panic("syncer.New: Cache is required")
	}
	if config.Backend == nil {
		panic("syncer.New: Backend is required")
	}
	if config.Segments == nil {
		panic("syncer.New: Segments is required")
	}
	if config.Logger == nil {
		panic("syncer.New: Logger is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &Coordinator{
		layout:         config.Layout,
		cache:          config.Cache,
		backend:        config.Backend,
		segments:       config.Segments,
		events:         config.Events,
		concurrency:    config.Concurrency,
		maxAttempts:    config.MaxAttempts,
		initialBackoff: config.InitialBackoff,
		maxBackoff:     config.MaxBackoff,
		gracePeriod:    config.GracePeriod,
		clock:          config.Clock,
		logger:         config.Logger.With("backend", config.Backend.Name()),
		slots:          make(chan struct{}, config.Concurrency),
		fatal:          make(chan error, 1),
		lanes:          make(map[build.ID]*lane),
		states:         make(map[build.ID]State),
	}
}

// State returns the lifecycle record of id. Builds never seen are Idle.
func (c *Coordinator) State(id build.ID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[id]
}

// Run performs startup reconciliation and then processes watcher
// events until ctx is cancelled or the event channel closes. Work in
// flight when ctx is cancelled continues for the grace period. Run
// returns nil on a clean stop, or the error that made it stop: a
// failed startup listing or an obfuscation collision.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.events == nil {
		panic("syncer.Coordinator.Run: Events is required")
	}

	operations, cancelOperations := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelOperations()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		select {
		case <-c.clock.After(c.gracePeriod):
			c.logger.Warn("grace period expired, abandoning in-flight work",
				"grace_period", c.gracePeriod,
			)
			cancelOperations()
		case <-finished:
		}
	}()

	var lanes sync.WaitGroup
	defer lanes.Wait()

	if _, err := c.Reconcile(operations); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fatal:
			cancelOperations()
			return err
		case event, ok := <-c.events:
			if !ok {
				return nil
			}
			if err := c.dispatch(ctx, operations, event, &lanes); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				cancelOperations()
				return err
			}
		}
	}
}

// dispatch hands event to its build's lane, starting one if none is
// running. Starting a lane waits for a free slot.
func (c *Coordinator) dispatch(ctx, operations context.Context, event watch.Event, lanes *sync.WaitGroup) error {
	id := event.Build
	c.logger.Debug("build event", "build_id", id, "kind", event.Kind.String())

	c.mu.Lock()
	if running, ok := c.lanes[id]; ok {
		running.pending = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.fatal:
		return err
	}

	// The lane for id can only be started from this goroutine, so no
	// lane appeared while waiting for the slot.
	c.mu.Lock()
	current := &lane{}
	c.lanes[id] = current
	c.mu.Unlock()

	lanes.Add(1)
	go func() {
		defer lanes.Done()
		defer func() { <-c.slots }()
		c.runLane(operations, id, current)
	}()
	return nil
}

func (c *Coordinator) runLane(ctx context.Context, id build.ID, current *lane) {
	for {
		if err := c.process(ctx, id); err != nil {
			select {
			case c.fatal <- err:
			default:
			}
		}

		c.mu.Lock()
		if !current.pending || ctx.Err() != nil {
			delete(c.lanes, id)
			c.mu.Unlock()
			return
		}
		current.pending = false
		c.mu.Unlock()
	}
}

// process runs one pass for id. It returns an error only when the
// coordinator must stop; build-scoped failures are recorded in the
// build's state.
func (c *Coordinator) process(ctx context.Context, id build.ID) error {
	c.mu.Lock()
	previous := c.states[id]
	c.states[id] = State{Phase: Syncing, Failures: previous.Failures, LastError: previous.LastError}
	c.mu.Unlock()

	diff, err := c.cache.Sync(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			c.restore(id, previous)
			return nil
		}
		c.fail(id, err)
		return nil
	}

	_, present := c.cache.Entry(id)
	if present {
		if _, err := c.segments.Segment(id); err != nil {
			return c.fatalSegment(id, err)
		}
	}

	if previous.Phase == Failed {
		c.logger.Info("healing previously failed build", "build_id", id)
		_, err = c.ReconcileBuild(ctx, id)
	} else {
		err = c.apply(ctx, diff)
	}
	if err != nil {
		var collision *obfuscate.CollisionError
		if errors.As(err, &collision) {
			return c.fatalSegment(id, err)
		}
		if ctx.Err() != nil {
			c.restore(id, previous)
			return nil
		}
		c.fail(id, err)
		return nil
	}

	c.mu.Lock()
	if present {
		c.states[id] = State{Phase: Synced}
	} else {
		c.states[id] = State{Phase: Removed}
	}
	c.mu.Unlock()

	if !present {
		c.segments.Forget(id)
	}
	return nil
}

// apply pushes one build's diff to the backend: uploads, deletes, and
// an invalidation when anything changed.
func (c *Coordinator) apply(ctx context.Context, diff buildcache.Diff) error {
	if diff.Empty() {
		return nil
	}
	id := diff.Build
	logger := c.logger.With("build_id", id)

	segment, err := c.segments.Segment(id)
	if err != nil {
		return err
	}

	uploads := make([]upload, 0, len(diff.Added)+len(diff.Modified))
	for _, file := range diff.Upserts() {
		uploads = append(uploads, upload{build: id, segment: segment, file: file})
	}
	if failures := c.putAll(ctx, uploads); len(failures) > 0 {
		return failures[id]
	}

	if len(diff.Removed) > 0 {
		keys := make([]string, len(diff.Removed))
		for i, file := range diff.Removed {
			keys[i] = backend.Key(segment, file.Path)
		}
		if err := c.deleteKeys(ctx, logger, keys); err != nil {
			return err
		}
	}

	if err := c.invalidate(ctx, logger, []string{segment}); err != nil {
		return err
	}

	logger.Info("build published",
		"uploaded", len(uploads),
		"deleted", len(diff.Removed),
	)
	return nil
}

func (c *Coordinator) fail(id build.ID, err error) {
	c.mu.Lock()
	previous := c.states[id]
	state := State{Phase: Failed, Failures: previous.Failures + 1, LastError: err.Error()}
	c.states[id] = state
	c.mu.Unlock()

	var extraction *buildcache.ExtractionError
	if errors.As(err, &extraction) {
		c.logger.Error("build extraction failed, previous extraction stays published",
			"build_id", id,
			"tarball", extraction.Tarball,
			"failures", state.Failures,
			"error", err,
		)
		return
	}
	c.logger.Error("build sync failed",
		"build_id", id,
		"failures", state.Failures,
		"error", err,
	)
}

func (c *Coordinator) restore(id build.ID, previous State) {
	c.mu.Lock()
	c.states[id] = previous
	c.mu.Unlock()
}

func (c *Coordinator) fatalSegment(id build.ID, err error) error {
	c.logger.Error("cannot name build in object keys", "build_id", id, "error", err)
	return fmt.Errorf("build %s: %w", id, err)
}
