// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package adminfeed watches the fleet-wide admin database for newly
// registered files and produces the sync configuration for each one.
package adminfeed

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	dqliteapp "github.com/realmwatch/notifier/internal/database/app"
	"github.com/realmwatch/notifier/internal/storage"
)

// Logger is the logging surface AdminFeed needs.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

// realmFileTable is the admin database's single object type: one row per
// managed file known to the fleet.
var realmFileTable = storage.TableDef{
	Name: "RealmFile",
	Columns: []storage.ColumnDef{
		{Name: "id", Type: "TEXT", PrimaryKey: true},
		{Name: "path", Type: "TEXT"},
	},
}

// PollStrategy governs the delay between admin-database polls. It mirrors
// state/watcher.PollStrategy: short right after activity, backing off
// towards a ceiling when the feed is quiet. Must not be changed while any
// AdminFeed built from it is running.
var PollStrategy retry.Strategy = retry.Exponential{
	Initial:  10 * time.Millisecond,
	Factor:   1.5,
	MaxDelay: 2 * time.Second,
}

// Record describes one row of the RealmFile table.
type Record struct {
	ID   string
	Path string
}

// Config is a child file's sync configuration, as produced by GetConfig.
type Config struct {
	LocalPath      string
	RemoteURL      string
	AccessToken    string
	AdditiveSchema bool
	// RemoteBinding is the optional dqlite remote-sync binding this file's
	// DatabaseHandle may be configured with, held but never started (see
	// internal/database/app). Nil when the feed's ServerBaseURL is empty.
	RemoteBinding *dqliteapp.RemoteBinding
}

// Callback is invoked once per Record on every delivery the feed makes.
// The first delivery covers every row already present; later deliveries
// cover only newly inserted rows.
type Callback func(Record) error

// AdminFeedConfig configures a new AdminFeed.
type AdminFeedConfig struct {
	LocalRootDir  string
	ServerBaseURL string
	AccessToken   string
	Clock         clock.Clock
	Logger        Logger
}

func (cfg AdminFeedConfig) validate() error {
	if cfg.LocalRootDir == "" {
		return errors.NotValidf("missing LocalRootDir")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// AdminFeed watches <local_root>/admin.db and dispatches newly registered
// files to a Callback, one poll at a time. Rows inserted between two polls
// are dispatched in no particular order relative to each other.
type AdminFeed struct {
	cfg    AdminFeedConfig
	handle *storage.Handle

	tomb     tomb.Tomb
	callback Callback
}

// New ensures <local_root>/realms exists and opens the admin database,
// reconciling its schema additively.
func New(ctx context.Context, cfg AdminFeedConfig) (*AdminFeed, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotate(err, "new AdminFeed invalid config")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	realmsDir := filepath.Join(cfg.LocalRootDir, "realms")
	if err := os.MkdirAll(realmsDir, 0o700); err != nil {
		return nil, errors.Annotatef(err, "creating %q", realmsDir)
	}

	handle, err := storage.Open(ctx, storage.Config{
		Path:   filepath.Join(cfg.LocalRootDir, "admin.db"),
		Tables: []storage.TableDef{realmFileTable},
	})
	if err != nil {
		return nil, errors.Annotate(err, "opening admin database")
	}

	return &AdminFeed{cfg: cfg, handle: handle}, nil
}

// Start installs the change notification described on Callback and
// begins the supervised poll loop. It may only be called once.
func (f *AdminFeed) Start(callback Callback) error {
	if f.callback != nil {
		return errors.AlreadyExistsf("AdminFeed already started")
	}
	f.callback = callback
	f.tomb.Go(f.loop)
	return nil
}

// Kill is part of the worker.Worker interface.
func (f *AdminFeed) Kill() {
	f.tomb.Kill(nil)
}

// Close releases the admin database directly, for callers that only need
// CreateRealm/ListRecords and never call Start. Kill/Wait must be used
// instead once Start has been called.
func (f *AdminFeed) Close() error {
	return errors.Trace(f.handle.Close())
}

// Wait is part of the worker.Worker interface.
func (f *AdminFeed) Wait() error {
	var err error
	if f.callback != nil {
		// A tomb whose Go was never called never reports dead, so only a
		// started poll loop is waited for.
		err = f.tomb.Wait()
	}
	_ = f.handle.Close()
	return err
}

func (f *AdminFeed) loop() error {
	ctx := context.Background()
	f.cfg.Logger.Debugf("admin feed loop started")
	defer f.cfg.Logger.Debugf("admin feed loop finished")

	last, err := f.handle.CurrentVersion(ctx)
	if err != nil {
		return errors.Annotate(err, "reading initial admin version")
	}
	if err := f.deliverAll(ctx); err != nil {
		return errors.Annotate(err, "delivering initial realm set")
	}

	now := f.cfg.Clock.Now()
	backoff := PollStrategy.NewTimer(now)
	d, _ := backoff.NextSleep(now)
	next := f.cfg.Clock.After(d)

	for {
		select {
		case <-f.tomb.Dying():
			return tomb.ErrDying
		case <-next:
		}

		current, err := f.handle.CurrentVersion(ctx)
		if err != nil {
			// A transient failure to read the admin database's own version
			// must not kill the single process-wide feed loop every watched
			// file depends on for discovery; log and keep polling instead.
			f.cfg.Logger.Warningf("polling admin version: %v", err)
			d, ok := backoff.NextSleep(f.cfg.Clock.Now())
			if !ok {
				backoff = PollStrategy.NewTimer(f.cfg.Clock.Now())
				d, _ = backoff.NextSleep(f.cfg.Clock.Now())
			}
			next = f.cfg.Clock.After(d)
			continue
		}
		if last.Before(current) {
			if err := f.deliverInsertionsSince(ctx, last, current); err != nil {
				return errors.Trace(err)
			}
			last = current
			// Something happened: reset the backoff so the feed stays
			// responsive while the admin database is active.
			backoff = PollStrategy.NewTimer(f.cfg.Clock.Now())
		}

		d, ok := backoff.NextSleep(f.cfg.Clock.Now())
		if !ok {
			backoff = PollStrategy.NewTimer(f.cfg.Clock.Now())
			d, _ = backoff.NextSleep(f.cfg.Clock.Now())
		}
		next = f.cfg.Clock.After(d)
	}
}

// deliverAll implements the "first delivery is everything" rule: every
// existing RealmFile row is dispatched regardless of the change set.
func (f *AdminFeed) deliverAll(ctx context.Context) error {
	records, err := f.ListRecords(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, r := range records {
		if err := f.callback(r); err != nil {
			return errors.Annotatef(err, "dispatching realm %q", r.ID)
		}
	}
	return nil
}

// ListRecords returns every RealmFile row currently known to the fleet, in
// id order. Safe to call whether or not Start has been called; an
// administrative read path alongside the change-dispatching one.
func (f *AdminFeed) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := f.handle.DB().QueryContext(ctx, `SELECT id, path FROM RealmFile ORDER BY id`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Path); err != nil {
			return nil, errors.Trace(err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return records, nil
}

// deliverInsertionsSince implements subsequent deliveries: only insertions
// are dispatched, since admin entries are append-only and modifications or
// deletions of RealmFile rows are not expected and are ignored by policy.
func (f *AdminFeed) deliverInsertionsSince(ctx context.Context, from, to storage.VersionID) error {
	tracker, err := storage.Advance(ctx, f.handle.DB(), from, to)
	if err != nil {
		return errors.Trace(err)
	}
	tc, ok := tracker.Tables()["RealmFile"]
	if !ok {
		return nil
	}
	changes := tc.Finalize()
	if len(changes.Insertions) == 0 {
		return nil
	}

	for pk := range changes.Insertions {
		var path string
		row := f.handle.DB().QueryRowContext(ctx, `SELECT path FROM RealmFile WHERE id = ?`, pk)
		if err := row.Scan(&path); err != nil {
			if errors.Cause(err) == sql.ErrNoRows {
				// Raced with something else deleting the row; nothing to
				// dispatch.
				continue
			}
			return errors.Trace(err)
		}
		if err := f.callback(Record{ID: pk, Path: path}); err != nil {
			return errors.Annotatef(err, "dispatching realm %q", pk)
		}
	}
	return nil
}

// GetConfig produces the sync configuration for a child database
// identified by id, addressed to name on the configured server.
func (f *AdminFeed) GetConfig(id, name string) Config {
	cfg := Config{
		LocalPath:      filepath.Join(f.cfg.LocalRootDir, "realms", id+".db"),
		RemoteURL:      f.cfg.ServerBaseURL + "/" + name,
		AccessToken:    f.cfg.AccessToken,
		AdditiveSchema: true,
	}
	if f.cfg.ServerBaseURL != "" {
		cfg.RemoteBinding = &dqliteapp.RemoteBinding{Address: f.cfg.ServerBaseURL}
	}
	return cfg
}

// CreateRealm registers a new file with the fleet by inserting a RealmFile
// row. The insert's own changelog trigger is what the poll loop in Start
// will observe and dispatch.
func (f *AdminFeed) CreateRealm(ctx context.Context, id, path string) error {
	_, err := f.handle.DB().ExecContext(ctx,
		`INSERT INTO RealmFile(id, path) VALUES (?, ?)`, id, path)
	return errors.Annotatef(err, "creating realm %q", id)
}
