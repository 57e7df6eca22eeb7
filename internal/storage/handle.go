// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
	"gopkg.in/retry.v1"

	"github.com/realmwatch/notifier/internal/notifyerrors"
)

// Config describes how to open one managed database file.
type Config struct {
	// Path is the filesystem location of the file.
	Path string
	// Tables is the schema to reconcile on Open, in additive mode.
	Tables []TableDef
}

// Handle is an uncached connection to one managed database file. Every
// Handle opens its own *sql.DB rather than sharing a process-wide cache,
// matching the "uncached" snapshot semantics the notifier depends on: two
// Handles pinned at different versions of the same file must never see
// each other's page cache.
type Handle struct {
	db   *sql.DB
	path string
}

// Open reconciles the schema at cfg.Path and returns a Handle to it,
// creating the file if it does not already exist. The reserved changelog
// table is created even when cfg.Tables is empty, so CurrentVersion on a
// fresh file reports the unset version.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&cache=private")
	if err != nil {
		return nil, errors.Annotatef(notifyerrors.ErrStorageError, "opening %q: %v", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	// A bad DSN doesn't surface until the first real use of the
	// connection, since database/sql opens lazily.
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(notifyerrors.ErrStorageError, "opening %q: %v", cfg.Path, err)
	}

	if err := EnsureSchema(ctx, db, cfg.Tables...); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "reconciling schema for %q", cfg.Path)
	}
	return &Handle{db: db, path: cfg.Path}, nil
}

// Close releases the underlying connection.
func (h *Handle) Close() error {
	return errors.Trace(h.db.Close())
}

// DB returns the underlying *sql.DB, for callers that need to run
// arbitrary statements (schema reconciliation, registrar bookkeeping).
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Path returns the filesystem path this handle was opened against.
func (h *Handle) Path() string {
	return h.path
}

// CurrentVersion returns the latest committed version visible to h.
func (h *Handle) CurrentVersion(ctx context.Context) (VersionID, error) {
	return CurrentVersion(ctx, h.db)
}

// txnRetryStrategy governs the backoff between retried transaction
// attempts, mirroring the short, tightly-bounded retry window a SQLite
// writer contending for its single connection actually needs.
var txnRetryStrategy retry.Strategy = retry.Exponential{
	Initial:  5 * time.Millisecond,
	Factor:   2,
	MaxDelay: 100 * time.Millisecond,
}

const maxTxnAttempts = 5

// isErrRetryable reports whether err is a transient SQLite contention
// error worth retrying: the connection is uncached and MaxOpenConns(1), so
// a second writer on the same *sql.DB from another goroutine can still
// observe SQLITE_BUSY/SQLITE_LOCKED under concurrent access.
func isErrRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction")
}

// Txn runs fn inside a write transaction against h, retrying the whole
// transaction a bounded number of times on a transient contention error.
// This is the entry point subscription bookkeeping uses for any write that
// reconciles schema and inserts/updates rows together.
func (h *Handle) Txn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	var lastErr error
	now := time.Now()
	timer := txnRetryStrategy.NewTimer(now)
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if attempt > 0 {
			d, ok := timer.NextSleep(now)
			if !ok {
				break
			}
			select {
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			case <-time.After(d):
			}
			now = time.Now()
		}

		lastErr = h.TxnNoRetry(ctx, fn)
		if lastErr == nil || !isErrRetryable(errors.Cause(lastErr)) {
			return lastErr
		}
	}
	return errors.Annotatef(lastErr, "transaction did not succeed after %d attempts", maxTxnAttempts)
}

// TxnNoRetry runs fn inside a write transaction against h with no retry
// semantics: fn's error (if any) aborts the transaction and is returned
// directly.
func (h *Handle) TxnNoRetry(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

// Snapshot is a read-only view of a Handle pinned to a specific version.
// A real MVCC storage engine would let the pin be taken after later
// commits have already landed and still read the old data; this module's
// SQLite-backed stand-in cannot time travel: BeginRead's v is recorded as
// the snapshot's logical version, but
// the read transaction itself sees whatever is committed at the moment
// BeginRead runs. Callers that need the pin to be meaningful (the registry's
// transaction callback) call BeginRead synchronously, before any later
// commit can land, so the recorded version and the transaction's actual
// view coincide in practice.
type Snapshot struct {
	tx      *sql.Tx
	version VersionID
	owned   *Handle
}

// BeginRead opens a read transaction against h and pins the returned
// Snapshot's reported version to v. The returned Snapshot must be closed
// with Close when the caller is done reading. h itself is left open and
// owned by the caller. The Snapshot holds h's single connection until
// Close, so other statements on h wait until then.
func (h *Handle) BeginRead(ctx context.Context, v VersionID) (*Snapshot, error) {
	tx, err := h.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, errors.Annotate(err, "beginning read transaction")
	}
	// SQLite defers a transaction's read view to its first read; take one
	// now so the view is fixed here.
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master`).Scan(&n); err != nil {
		_ = tx.Rollback()
		return nil, errors.Annotate(err, "beginning read transaction")
	}
	return &Snapshot{tx: tx, version: v}, nil
}

// OpenSnapshot opens a dedicated, uncached Handle on path solely to serve
// one pinned read at v. Unlike BeginRead, the returned Snapshot owns that
// Handle outright: Close releases both the transaction and the connection.
// This is the shape delivery.GetNewSnapshot needs, where no long-lived
// Handle already exists to pin against.
func OpenSnapshot(ctx context.Context, path string, v VersionID) (*Snapshot, error) {
	h, err := Open(ctx, Config{Path: path})
	if err != nil {
		return nil, errors.Annotatef(err, "opening %q for snapshot", path)
	}
	snap, err := h.BeginRead(ctx, v)
	if err != nil {
		_ = h.Close()
		return nil, errors.Trace(err)
	}
	snap.owned = h
	return snap, nil
}

// Version reports the version this snapshot is pinned to.
func (s *Snapshot) Version() VersionID {
	return s.version
}

// Tx exposes the underlying read-only transaction for row queries.
func (s *Snapshot) Tx() *sql.Tx {
	return s.tx
}

// Close releases the snapshot's transaction, and the backing Handle too if
// this Snapshot was opened via OpenSnapshot.
func (s *Snapshot) Close() error {
	err := errors.Trace(s.tx.Rollback())
	if s.owned != nil {
		if cerr := s.owned.Close(); cerr != nil && err == nil {
			err = errors.Trace(cerr)
		}
	}
	return err
}
