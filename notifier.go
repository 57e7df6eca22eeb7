// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notifier is the public entry point: GlobalNotifier wires the
// admin feed (C2), registry (C3), work queue and calculator (C4), and
// delivery pipeline (C5) into one running instance. The subscription
// registrar (C6) is not part of it; hosts construct one per database from
// internal/subscription.
package notifier

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/realmwatch/notifier/internal/adminfeed"
	"github.com/realmwatch/notifier/internal/delivery"
	"github.com/realmwatch/notifier/internal/notifyerrors"
	"github.com/realmwatch/notifier/internal/registry"
	"github.com/realmwatch/notifier/internal/storage"
	"github.com/realmwatch/notifier/internal/workqueue"
)

// Notification is the unit delivered to a Callback's RealmChanged method.
type Notification = delivery.Notification

// Callback is the capability set a host supplies to a GlobalNotifier.
type Callback interface {
	// FilterCallback is the admission predicate register_realm consults;
	// its decision is final for a given name.
	FilterCallback(name string) bool
	// RealmChanged is invoked once per delivered Notification, on the
	// delivery pipeline's drain thread.
	RealmChanged(Notification)
}

// Logger is the logging surface a GlobalNotifier and its subcomponents
// need.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

// Config configures a GlobalNotifier.
type Config struct {
	LocalRootDir  string
	ServerBaseURL string
	AccessToken   string
	Target        Callback

	// Clock and Logger are ambient additions absent from the original
	// construction config: injectable time for deterministic tests, and a
	// shared logging surface for every subcomponent.
	Clock  clock.Clock
	Logger Logger
}

func (cfg Config) validate() error {
	if cfg.LocalRootDir == "" {
		return errors.Annotate(notifyerrors.ErrInvalidConfiguration, "missing LocalRootDir")
	}
	if cfg.Target == nil {
		return errors.Annotate(notifyerrors.ErrInvalidConfiguration, "missing Target")
	}
	return nil
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

type deliveryTarget struct{ target Callback }

func (d deliveryTarget) RealmChanged(n Notification) { d.target.RealmChanged(n) }

// GlobalNotifier is the top-level object a host constructs: one per
// process, one per fleet of synchronized files.
type GlobalNotifier struct {
	cfg Config

	admin    *adminfeed.AdminFeed
	registry *registry.Registry
	queue    *workqueue.Queue
	calc     *workqueue.Calculator
	pipeline *delivery.Pipeline

	mu      sync.Mutex
	started bool
	closed  bool
}

// New constructs a GlobalNotifier. It does not start anything; call Start.
func New(ctx context.Context, cfg Config) (*GlobalNotifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	admin, err := adminfeed.New(ctx, adminfeed.AdminFeedConfig{
		LocalRootDir:  cfg.LocalRootDir,
		ServerBaseURL: cfg.ServerBaseURL,
		AccessToken:   cfg.AccessToken,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting admin feed")
	}

	pipeline, err := delivery.New(delivery.Config{
		Target:      deliveryTarget{target: cfg.Target},
		StartSignal: true,
		Logger:      cfg.Logger,
	})
	if err != nil {
		_ = admin.Wait()
		return nil, errors.Annotate(err, "starting delivery pipeline")
	}

	queue := workqueue.New()
	calc, err := workqueue.NewCalculator(workqueue.CalculatorConfig{
		Queue:  queue,
		Sink:   pipeline,
		Logger: cfg.Logger,
	})
	if err != nil {
		_ = pipeline.Close()
		_ = admin.Wait()
		return nil, errors.Annotate(err, "starting calculator")
	}

	reg, err := registry.New(registry.RegistryConfig{
		Configs:  admin,
		Filter:   cfg.Target.FilterCallback,
		Queue:    queue,
		Delivery: pipeline,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		_ = calc.Stop()
		_ = pipeline.Close()
		_ = admin.Wait()
		return nil, errors.Annotate(err, "starting registry")
	}

	return &GlobalNotifier{
		cfg:      cfg,
		admin:    admin,
		registry: reg,
		queue:    queue,
		calc:     calc,
		pipeline: pipeline,
	}, nil
}

// Start begins watching the admin feed: every currently-known file is
// registered, followed by every file observed afterward. May only be
// called once.
func (n *GlobalNotifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Trace(notifyerrors.ErrNotifierClosed)
	}
	if n.started {
		return errors.AlreadyExistsf("GlobalNotifier already started")
	}
	n.started = true

	return errors.Trace(n.admin.Start(func(r adminfeed.Record) error {
		return n.registry.Register(context.Background(), r.ID, r.Path)
	}))
}

// CreateRealm registers a new managed file with the fleet. Administrative
// use only; the read path never calls this itself.
func (n *GlobalNotifier) CreateRealm(ctx context.Context, id, path string) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return errors.Trace(notifyerrors.ErrNotifierClosed)
	}
	return errors.Trace(n.admin.CreateRealm(ctx, id, path))
}

// Pause suppresses delivery of pending notifications. A no-op once Close
// has already run.
func (n *GlobalNotifier) Pause() {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.pipeline.Pause()
}

// Resume re-enables delivery and immediately drains anything pending, on
// the calling goroutine. A no-op once Close has already run.
func (n *GlobalNotifier) Resume() {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.pipeline.Resume()
}

// HasPending reports whether any notification is queued for delivery.
// Always false once Close has already run.
func (n *GlobalNotifier) HasPending() bool {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return false
	}
	return n.pipeline.HasPending()
}

// GetOldSnapshot returns the pinned "old" view of a delivered Notification,
// or (nil, false) when the notification's Old version is unset (its first-
// ever delivery for a file). Reusing the pin the registry already opened,
// this never performs storage I/O itself.
func GetOldSnapshot(n Notification) (*storage.Snapshot, bool) {
	snap := delivery.GetOldSnapshot(n)
	return snap, snap != nil
}

// GetNewSnapshot opens a fresh, self-owning pinned view of a delivered
// Notification's New version. The caller owns the returned Snapshot's
// lifetime and must Close it.
func GetNewSnapshot(ctx context.Context, n Notification) (*storage.Snapshot, error) {
	snap, err := delivery.GetNewSnapshot(ctx, n)
	return snap, errors.Trace(err)
}

// Close tears the whole instance down: stops accepting new admin feed
// deliveries, releases every registry coordinator, drains nothing further
// from the work queue, and closes the delivery pipeline. Safe to call more
// than once.
func (n *GlobalNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n.admin.Kill()
	record(errors.Trace(n.admin.Wait()))
	record(errors.Trace(n.registry.Close()))
	record(errors.Trace(n.calc.Stop()))
	record(errors.Trace(n.pipeline.Close()))
	return firstErr
}
