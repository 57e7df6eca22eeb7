// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, so HasContent can be
// run either against a live connection or against a snapshot's pinned
// read transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// HasContent reports whether any non-reserved table in db holds at least
// one row. It backs the work queue's suppression rule: a commit that
// produced no visible change is only dropped when the source database
// already had content, so a fresh subscriber watching an empty database
// still gets told "there is content as of version X".
func HasContent(ctx context.Context, db queryer) (bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, errors.Trace(err)
		}
		if _, ok := TableNameFor(name); !ok {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return false, errors.Trace(err)
	}

	for _, table := range tables {
		var exists int
		row := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+`)`)
		if err := row.Scan(&exists); err != nil {
			return false, errors.Trace(err)
		}
		if exists != 0 {
			return true, nil
		}
	}
	return false, nil
}
