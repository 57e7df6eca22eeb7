// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/realmwatch/notifier/internal/notifyerrors"
	"github.com/realmwatch/notifier/internal/storage"
)

// splitMatches parses the comma-separated primary keys stored in a
// <object_class>_matches column. A real sync engine would populate a true
// linklist column; this module's SQLite stand-in has no link-column type,
// so the server-resolved match set is represented as a flat TEXT list
// instead (§1 notes the sync protocol itself as an assumed external
// primitive, so this is purely a representation choice for its result).
func splitMatches(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resultSetsTable is the reserved table every registered query's status
// lives in. matchesColumn is the per-object-class additive column name
// template: "<object_class>_matches".
const resultSetsTable = "__ResultSets"

func matchesColumn(objectClass string) string {
	return objectClass + "_matches"
}

// Result is delivered to a Callback once the server has resolved a query:
// either the set of matched primary keys, or an error.
type Result struct {
	Matches []string
	Err     error
}

// Callback receives the terminal Result for a registered query. It is
// invoked at most once.
type Callback func(Result)

// Logger is the logging surface the registrar needs.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

// PollInterval governs how often a registered query's status is polled
// while waiting for it to leave StatusUninitialized.
var PollInterval = 50 * time.Millisecond

// SyncConfig describes the subset of a database's sync configuration the
// registrar must check before accepting a query.
type SyncConfig struct {
	Enabled bool
	Partial bool
}

// schemaHasObjectClass reports whether objectClass is present in the active
// schema of db, satisfied directly by checking for a table of that name.
func schemaHasObjectClass(ctx context.Context, db *sql.DB, objectClass string) (bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, objectClass)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return true, nil
}

// Registrar implements register_query/get_query_status against one user
// database. One Registrar is intended per partially-synced file.
type Registrar struct {
	db     *storage.Handle
	sync   SyncConfig
	clock  clock.Clock
	logger Logger
}

// Config configures a Registrar.
type Config struct {
	DB     *storage.Handle
	Sync   SyncConfig
	Clock  clock.Clock
	Logger Logger
}

// New constructs a Registrar bound to one database handle.
func New(cfg Config) (*Registrar, error) {
	if cfg.DB == nil {
		return nil, errors.NotValidf("missing DB")
	}
	if cfg.Clock == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registrar{db: cfg.DB, sync: cfg.Sync, clock: cfg.Clock, logger: logger}, nil
}

// RegisterQuery implements register_query's six steps: configuration and
// schema checks, additive __ResultSets reconciliation, row creation, and
// attaching a self-owning observer that delivers exactly once. The returned
// cleanup func detaches the observer early; it is also called automatically
// on the observer's own terminal delivery.
func (r *Registrar) RegisterQuery(ctx context.Context, objectClass, query string, cb Callback) (cleanup func(), err error) {
	// Step 1.
	if !r.sync.Enabled || !r.sync.Partial {
		return nil, errors.Annotate(notifyerrors.ErrInvalidConfiguration, "sync is not enabled in partial mode")
	}

	// Step 2.
	ok, err := schemaHasObjectClass(ctx, r.db.DB(), objectClass)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return nil, errors.Annotatef(notifyerrors.ErrSchemaMismatch, "object class %q not present in schema", objectClass)
	}

	// Steps 3-5: one write transaction reconciling schema and inserting the
	// row. Retried on transient contention, per Handle.Txn.
	err = r.db.Txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureResultSetsSchema(ctx, tx, objectClass); err != nil {
			return errors.Annotate(err, "reconciling __ResultSets schema")
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s(name, matches_property, query, status, error_message, query_parse_counter)
			 VALUES (?, ?, ?, 0, '', 0)`, resultSetsTable),
			query, matchesColumn(objectClass), query)
		return errors.Annotatef(err, "inserting subscription row for %q", query)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Step 6: attach the self-owning observer.
	obs := newObserver(r.db, r.clock, r.logger, query, cb)
	return obs.start(), nil
}

// GetQueryStatus reads the row by name and maps its status through the
// fixed code table. A missing row reports (StatusUninitialized, "", nil).
func (r *Registrar) GetQueryStatus(ctx context.Context, name string) (Status, string, error) {
	ok, err := tableExists(ctx, r.db.DB(), resultSetsTable)
	if err != nil {
		return StatusUndefined, "", errors.Trace(err)
	}
	if !ok {
		// No query has ever been registered against this database.
		return StatusUninitialized, "", nil
	}

	row := r.db.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT status, error_message FROM %s WHERE name = ?`, resultSetsTable), name)

	var code int
	var message string
	if err := row.Scan(&code, &message); err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return StatusUninitialized, "", nil
		}
		return StatusUndefined, "", errors.Trace(err)
	}
	return statusFromCode(code), message, nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	row := db.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return true, nil
}

// ensureResultSetsSchema reconciles __ResultSets additively: the five fixed
// columns every call needs, plus this call's <object_class>_matches column.
// Earlier calls' matches columns for other object classes are untouched,
// matching SchemaMode::Additive.
func ensureResultSetsSchema(ctx context.Context, tx *sql.Tx, objectClass string) error {
	createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		matches_property TEXT,
		query TEXT,
		status INTEGER,
		error_message TEXT,
		query_parse_counter INTEGER
	)`, resultSetsTable)
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return errors.Annotate(err, "creating __ResultSets")
	}

	col := matchesColumn(objectClass)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", resultSetsTable))
	if err != nil {
		return errors.Trace(err)
	}
	exists := false
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return errors.Trace(err)
		}
		if name == col {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Trace(err)
	}
	_ = rows.Close()

	if exists {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", resultSetsTable, col)); err != nil {
		return errors.Annotatef(err, "adding column %q", col)
	}
	return nil
}

// observer polls one subscription row until it leaves StatusUninitialized,
// then delivers a terminal Result and detaches itself. It is a self-owning
// closure: the poll goroutine is the only thing keeping the subscription
// alive, and cleanup (automatic on terminal delivery, or called explicitly)
// collapses it.
type observer struct {
	db     *storage.Handle
	clock  clock.Clock
	logger Logger
	name   string
	cb     Callback

	tomb tomb.Tomb
}

func newObserver(db *storage.Handle, clk clock.Clock, logger Logger, name string, cb Callback) *observer {
	return &observer{db: db, clock: clk, logger: logger, name: name, cb: cb}
}

// start launches the poll loop and returns a cleanup func that stops it
// without delivering anything further.
func (o *observer) start() func() {
	o.tomb.Go(o.loop)
	return func() { o.tomb.Kill(nil) }
}

func (o *observer) loop() error {
	ctx := context.Background()
	for {
		select {
		case <-o.tomb.Dying():
			return tomb.ErrDying
		case <-o.clock.After(PollInterval):
		}

		status, message, matches, err := o.readRow(ctx)
		if err != nil {
			o.logger.Warningf("subscription observer for %q: %v", o.name, err)
			continue
		}
		if status == StatusUninitialized {
			continue
		}

		if status == StatusInitialized {
			o.cb(Result{Matches: matches})
		} else {
			o.cb(Result{Err: errors.Annotatef(notifyerrors.ErrSubscriptionFailed, "%s", message)})
		}
		o.tomb.Kill(nil)
		return nil
	}
}

func (o *observer) readRow(ctx context.Context) (Status, string, []string, error) {
	row := o.db.DB().QueryRowContext(ctx,
		fmt.Sprintf(`SELECT status, error_message, matches_property FROM %s WHERE name = ?`, resultSetsTable),
		o.name)

	var code int
	var message, property string
	if err := row.Scan(&code, &message, &property); err != nil {
		return StatusUndefined, "", nil, errors.Trace(err)
	}
	status := statusFromCode(code)
	if status != StatusInitialized {
		return status, message, nil, nil
	}

	matchRow := o.db.DB().QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE name = ?`, property, resultSetsTable), o.name)
	var raw sql.NullString
	if err := matchRow.Scan(&raw); err != nil {
		return status, message, nil, errors.Trace(err)
	}
	if !raw.Valid || raw.String == "" {
		return status, message, nil, nil
	}
	return status, message, splitMatches(raw.String), nil
}
