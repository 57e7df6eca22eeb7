// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry implements the Registry (C3): it turns "this id/name was
// observed in the admin feed" into a running watch — acquiring the file's
// coordinator, seeding the delivery pipeline with the file's current
// content, and wiring every future commit into the work queue. Each
// registration is tracked as one entry in the Registry's own id-keyed map.
package registry

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/realmwatch/notifier/internal/adminfeed"
	"github.com/realmwatch/notifier/internal/coordinator"
	"github.com/realmwatch/notifier/internal/storage"
	"github.com/realmwatch/notifier/internal/workqueue"
)

// Config is a child file's sync configuration, as produced by a
// ConfigProvider. It is the same shape adminfeed.GetConfig returns.
type Config = adminfeed.Config

// ConfigProvider produces the sync configuration for a newly observed
// file. adminfeed.AdminFeed satisfies this.
type ConfigProvider interface {
	GetConfig(id, name string) Config
}

// Filter is the externally-supplied admission predicate. Its decision is
// final: register never re-evaluates a name once filtered.
type Filter func(name string) bool

// WorkQueue is where the registry's transaction callback pushes Jobs. It is
// the same interface the calculator drains.
type WorkQueue interface {
	Push(workqueue.Job)
}

// DeliverySink is where the registry pushes seed notifications directly,
// bypassing the work queue entirely (there is no advance to compute for a
// seed — it already reflects the file's entire current content).
type DeliverySink interface {
	Push(workqueue.Notification)
}

// Logger is the logging surface a Registry needs.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Configs  ConfigProvider
	Filter   Filter
	Queue    WorkQueue
	Delivery DeliverySink
	Clock    clock.Clock
	Logger   Logger
}

func (cfg RegistryConfig) validate() error {
	if cfg.Configs == nil {
		return errors.NotValidf("missing Configs")
	}
	if cfg.Filter == nil {
		return errors.NotValidf("missing Filter")
	}
	if cfg.Queue == nil {
		return errors.NotValidf("missing Queue")
	}
	if cfg.Delivery == nil {
		return errors.NotValidf("missing Delivery")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

type entry struct {
	filtered    bool
	coordinator *coordinator.Coordinator
	unsubscribe func()
}

// Registry tracks one WatchEntry per id and wires each registered file into
// the coordinator/work-queue/delivery pipeline. Safe for concurrent use.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Registry.
func New(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotate(err, "new Registry invalid config")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &Registry{cfg: cfg, entries: map[string]*entry{}}, nil
}

// Register implements register_realm's six steps. It is idempotent: a
// second Register call for an id already tracked (whether admitted or
// filtered) is a no-op.
func (r *Registry) Register(ctx context.Context, id, name string) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// Step 2: the filter decision is made and recorded before anything else
	// observable happens, and is never reconsidered.
	if !r.cfg.Filter(name) {
		r.mu.Lock()
		r.entries[id] = &entry{filtered: true}
		r.mu.Unlock()
		return nil
	}

	// Step 3.
	fileCfg := r.cfg.Configs.GetConfig(id, name)
	coord, err := coordinator.Acquire(ctx, fileCfg.LocalPath, r.cfg.Clock, r.cfg.Logger)
	if err != nil {
		return errors.Annotatef(err, "acquiring coordinator for %q", id)
	}

	// Step 4.
	e := &entry{coordinator: coord}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	// Step 5: seed notification, only if the file already has content.
	if err := r.seed(ctx, fileCfg.LocalPath); err != nil {
		return errors.Annotatef(err, "seeding initial state for %q", id)
	}

	// Step 6.
	e.unsubscribe = coord.SetTransactionCallback(func(oldV, newV storage.VersionID) {
		r.onCommit(fileCfg.LocalPath, oldV, newV)
	})
	return nil
}

func (r *Registry) seed(ctx context.Context, path string) error {
	h, err := storage.Open(ctx, storage.Config{Path: path})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = h.Close() }()

	current, err := h.CurrentVersion(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	hasContent, err := storage.HasContent(ctx, h.DB())
	if err != nil {
		return errors.Trace(err)
	}
	if !hasContent {
		return nil
	}

	r.cfg.Delivery.Push(workqueue.Notification{
		New:             current,
		Path:            path,
		PerTableChanges: map[string]workqueue.ChangeSet{},
	})
	return nil
}

// onCommit is the transaction callback: synchronous, and bounded by taking
// the work queue's own lock — it does no storage I/O beyond opening a
// dedicated handle and a read transaction pinned at oldV.
func (r *Registry) onCommit(path string, oldV, newV storage.VersionID) {
	snap, err := storage.OpenSnapshot(context.Background(), path, oldV)
	if err != nil {
		r.cfg.Logger.Warningf("registry: opening pinned snapshot for %q: %v", path, err)
		return
	}
	r.cfg.Queue.Push(workqueue.Job{OldSnapshot: snap, Path: path, ToVersion: newV})
}

// Close releases every coordinator reference this Registry holds and
// unsubscribes every transaction callback. Intended for notifier shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry{}
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if e.coordinator == nil {
			continue
		}
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		if err := coordinator.Release(e.coordinator); err != nil && firstErr == nil {
			firstErr = errors.Trace(err)
		}
	}
	return firstErr
}
