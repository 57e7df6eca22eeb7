// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/juju/errors"
)

// Advance scans the changelog between two versions (from exclusive, to
// inclusive) and returns a ChangeTracker describing, per table, every row
// that was inserted, deleted, or modified. Calling Advance from the unset
// VersionID is legal and treats the whole history up to "to" as the first
// delivery, mirroring the "first delivery is everything" rule the admin
// feed applies at (*AdminFeed).Start.
func Advance(ctx context.Context, db *sql.DB, from, to VersionID) (*ChangeTracker, error) {
	if to.LessOrEqual(from) {
		return NewChangeTracker(), nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT table_name, row_pk, op, column_set FROM `+changelogTable+`
		 WHERE version > ? AND version <= ?
		 ORDER BY version ASC`,
		from.Uint64(), to.Uint64())
	if err != nil {
		return nil, errors.Annotate(err, "scanning changelog")
	}
	defer func() { _ = rows.Close() }()

	tracker := NewChangeTracker()
	for rows.Next() {
		var (
			tableName string
			rowPK     string
			op        ChangeOp
			columnSet sql.NullString
		)
		if err := rows.Scan(&tableName, &rowPK, &op, &columnSet); err != nil {
			return nil, errors.Trace(err)
		}
		tc := tracker.Table(tableName)
		switch op {
		case OpInsert:
			tc.recordInsert(rowPK)
		case OpDelete:
			tc.recordDelete(rowPK)
		case OpUpdate:
			tc.recordUpdate(rowPK, splitColumnSet(columnSet))
		default:
			return nil, errors.NotValidf("changelog op %d", op)
		}
	}
	return tracker, errors.Trace(rows.Err())
}

func splitColumnSet(columnSet sql.NullString) []string {
	if !columnSet.Valid || columnSet.String == "" {
		return nil
	}
	return strings.Split(columnSet.String, ",")
}

// CurrentVersion returns the highest version recorded in the changelog, the
// unset VersionID if no change has ever been recorded.
func CurrentVersion(ctx context.Context, db *sql.DB) (VersionID, error) {
	var seq sql.NullInt64
	row := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+changelogTable)
	if err := row.Scan(&seq); err != nil {
		return VersionID{}, errors.Annotate(err, "reading current version")
	}
	if !seq.Valid {
		return VersionID{}, nil
	}
	return VersionFromUint64(uint64(seq.Int64)), nil
}
