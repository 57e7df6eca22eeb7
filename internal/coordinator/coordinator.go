// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package coordinator implements the per-file commit coordinator: a
// reference-counted singleton, one per managed database file, that
// detects committed versions and fans them out to every interested
// observer. It is polled the same way a worker runs one watcher per
// namespace: one poll loop per key, shared by every acquirer of that key.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/realmwatch/notifier/internal/storage"
)

// Logger is the logging surface a Coordinator needs.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

// PollStrategy governs the delay between a coordinator's polls of its
// file's current version. Must not be changed while any Coordinator built
// from it is running.
var PollStrategy retry.Strategy = retry.Exponential{
	Initial:  10 * time.Millisecond,
	Factor:   1.5,
	MaxDelay: 1 * time.Second,
}

const commitTopic = "commit"

// CommitEvent describes one externally-observed commit: the version the
// file was at before, and the version it advanced to.
type CommitEvent struct {
	Old storage.VersionID
	New storage.VersionID
}

// Coordinator serializes the view of commits to one managed database file
// and fans each one out to every subscriber via SetTransactionCallback.
// It is reference counted: callers obtain one through Acquire and give it
// back through Release; the underlying poll loop runs only while at least
// one caller holds a reference.
type Coordinator struct {
	path   string
	clock  clock.Clock
	logger Logger
	hub    *pubsub.SimpleHub

	tomb tomb.Tomb

	refMu    sync.Mutex
	refCount int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Coordinator{}
)

// Acquire returns the Coordinator for path, creating and starting it if
// this is the first reference. Each successful Acquire must be matched by
// exactly one Release.
func Acquire(ctx context.Context, path string, clk clock.Clock, logger Logger) (*Coordinator, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if c, ok := registry[path]; ok {
		c.refMu.Lock()
		c.refCount++
		c.refMu.Unlock()
		return c, nil
	}

	if logger == nil {
		logger = noopLogger{}
	}
	c := &Coordinator{
		path:     path,
		clock:    clk,
		logger:   logger,
		hub:      pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		refCount: 1,
	}
	if err := c.start(ctx); err != nil {
		return nil, errors.Annotatef(err, "starting coordinator for %q", path)
	}
	registry[path] = c
	return c, nil
}

// Release drops one reference to c. When the last reference is released,
// the coordinator's poll loop is stopped and its resources are freed.
func Release(c *Coordinator) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	c.refMu.Lock()
	c.refCount--
	remaining := c.refCount
	c.refMu.Unlock()
	if remaining > 0 {
		return nil
	}
	delete(registry, c.path)
	c.tomb.Kill(nil)
	return errors.Trace(c.tomb.Wait())
}

func (c *Coordinator) start(ctx context.Context) error {
	handle, err := storage.Open(ctx, storage.Config{Path: c.path})
	if err != nil {
		return errors.Trace(err)
	}
	last, err := handle.CurrentVersion(ctx)
	if err != nil {
		_ = handle.Close()
		return errors.Trace(err)
	}
	c.tomb.Go(func() error {
		defer func() { _ = handle.Close() }()
		return c.loop(handle, last)
	})
	return nil
}

func (c *Coordinator) loop(handle *storage.Handle, last storage.VersionID) error {
	ctx := context.Background()
	c.logger.Debugf("coordinator loop started for %q", c.path)
	defer c.logger.Debugf("coordinator loop finished for %q", c.path)

	now := c.clock.Now()
	backoff := PollStrategy.NewTimer(now)
	d, _ := backoff.NextSleep(now)
	next := c.clock.After(d)

	for {
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		case <-next:
		}

		current, err := handle.CurrentVersion(ctx)
		if err != nil {
			// The file is never expected to be removed out from under a
			// running coordinator, but if it is, the poll keeps running
			// rather than taking down the one coordinator every acquirer of
			// this path shares: a dead tomb would otherwise be handed out
			// silently by every future Acquire for this path.
			c.logger.Warningf("polling version of %q: %v", c.path, err)
			d, ok := backoff.NextSleep(c.clock.Now())
			if !ok {
				backoff = PollStrategy.NewTimer(c.clock.Now())
				d, _ = backoff.NextSleep(c.clock.Now())
			}
			next = c.clock.After(d)
			continue
		}
		if last.Before(current) {
			event := CommitEvent{Old: last, New: current}
			last = current
			c.hub.Publish(commitTopic, event)
			backoff = PollStrategy.NewTimer(c.clock.Now())
		}

		d, ok := backoff.NextSleep(c.clock.Now())
		if !ok {
			backoff = PollStrategy.NewTimer(c.clock.Now())
			d, _ = backoff.NextSleep(c.clock.Now())
		}
		next = c.clock.After(d)
	}
}

// SetTransactionCallback subscribes fn to every future commit observed on
// this coordinator's file. The returned func unsubscribes fn; it must be
// called at most once.
func (c *Coordinator) SetTransactionCallback(fn func(oldV, newV storage.VersionID)) func() {
	return c.hub.Subscribe(commitTopic, func(_ string, data interface{}) {
		event := data.(CommitEvent)
		fn(event.Old, event.New)
	})
}

// Path returns the managed file path this coordinator watches.
func (c *Coordinator) Path() string {
	return c.path
}
