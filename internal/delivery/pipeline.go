// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package delivery implements the Delivery Pipeline (C5): a thread-safe
// FIFO of completed notifications, paired with a cross-thread signal that
// wakes the host loop. Ordering within one watched file is guaranteed end
// to end by the chain of FIFOs: the work queue (C4) is FIFO and drained by
// one worker, and this package's own queue is FIFO and drained by one
// OnChange loop.
package delivery

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/realmwatch/notifier/internal/signal"
	"github.com/realmwatch/notifier/internal/storage"
	"github.com/realmwatch/notifier/internal/workqueue"
)

// Notification is the unit delivered to a Callback: the calculator's
// output, unchanged.
type Notification = workqueue.Notification

// Callback is the host-supplied capability set a Pipeline drives.
type Callback interface {
	// RealmChanged is invoked once per delivered Notification, on the
	// pipeline's drain thread (the signal goroutine, or whichever thread
	// calls OnChange directly).
	RealmChanged(Notification)
}

// Logger is the logging surface a Pipeline needs.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

// Config configures a Pipeline.
type Config struct {
	// Target receives each drained Notification.
	Target Callback
	// StartSignal, if true, starts the pipeline's own EventLoopSignal
	// goroutine so Push alone is enough to drive delivery. If false, the
	// host is expected to call OnChange itself from its own loop.
	StartSignal bool
	Logger      Logger
}

func (cfg Config) validate() error {
	if cfg.Target == nil {
		return errors.NotValidf("missing Target")
	}
	return nil
}

// Pipeline is the Delivery Pipeline (C5).
type Pipeline struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	queue    []Notification
	paused   bool
	shutdown bool

	sig *signal.EventLoopSignal
}

// New constructs a Pipeline. If cfg.StartSignal is set, it also starts the
// pipeline's own signal goroutine; callers that want to drive delivery from
// their own event loop should leave it unset and call OnChange themselves.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotate(err, "new Pipeline invalid config")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	p := &Pipeline{cfg: cfg, logger: cfg.Logger}

	if cfg.StartSignal {
		sig, err := signal.New(signal.Config{
			Target: p.OnChange,
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, errors.Annotate(err, "starting delivery signal")
		}
		p.sig = sig
	}
	return p, nil
}

// Push enqueues a Notification and wakes the host loop. Safe to call from
// any goroutine, including the calculator's.
func (p *Pipeline) Push(n Notification) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		closeSnapshots(n)
		return
	}
	p.queue = append(p.queue, n)
	p.mu.Unlock()

	if p.sig != nil {
		p.sig.Notify()
	}
}

// OnChange drains the queue while not paused, invoking Target once per
// Notification. Must be called on the host loop thread when a host is
// pumping its own loop (no StartSignal); otherwise the signal goroutine
// calls it. Each pop releases the lock before invoking Target, so Target
// may itself call Push, Pause, Resume, or HasPending without deadlocking.
func (p *Pipeline) OnChange() {
	for {
		p.mu.Lock()
		if p.paused || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		n := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.cfg.Target.RealmChanged(n)
	}
}

// Pause suppresses delivery: in-flight invocations of Target complete, but
// OnChange pops nothing further until Resume.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume clears the pause flag and immediately drains the queue on the
// calling goroutine, which must be the host loop thread.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.OnChange()
}

// HasPending reports whether the queue is non-empty.
func (p *Pipeline) HasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

// Close tears the pipeline down: stops the signal goroutine (if any) and
// discards any pending deliveries, closing their pinned snapshots.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.shutdown = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, n := range pending {
		closeSnapshots(n)
	}

	if p.sig == nil {
		return nil
	}
	p.sig.Kill()
	return errors.Trace(p.sig.Wait())
}

func closeSnapshots(n Notification) {
	if n.OldSnapshot != nil {
		_ = n.OldSnapshot.Close()
	}
}

// GetOldSnapshot returns the notification's pinned "old" view. It was
// opened and pinned by the registry's transaction callback before the job
// was ever queued, so this is a field read, not a fresh handle open; nil
// when Old is unset (the notification's first-ever delivery for a file).
func GetOldSnapshot(n Notification) *storage.Snapshot {
	return n.OldSnapshot
}

// GetNewSnapshot opens a fresh, uncached handle on the notification's file
// and pins it at New. Unlike GetOldSnapshot, there is no pre-existing pin
// to reuse: nothing reads at New until a caller asks for it. The returned
// Snapshot owns its backing handle; Close releases both.
func GetNewSnapshot(ctx context.Context, n Notification) (*storage.Snapshot, error) {
	snap, err := storage.OpenSnapshot(ctx, n.Path, n.New)
	return snap, errors.Trace(err)
}
