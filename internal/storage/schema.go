// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// changelogTable is the reserved table backing CurrentVersion/Advance. It
// plays the role the source's MVCC engine plays natively: an append-only
// ledger of row-level changes that this package tails to reconstruct
// per-version change sets, the same way state/watcher.TxnWatcher tails
// Mongo's txns.log collection.
const changelogTable = "__changelog"

// reservedTableNames can never be returned by TableNameFor: they are
// plumbing, not logical object types.
var reservedTableNames = map[string]bool{
	"RealmFile":     true,
	"__ResultSets":  true,
	changelogTable:  true,
}

// TableNameFor returns the logical object-type name for an internal table,
// or ("", false) if the table is reserved/internal and must be excluded
// from change notifications.
func TableNameFor(rawName string) (string, bool) {
	if strings.HasPrefix(rawName, "__") {
		return "", false
	}
	if reservedTableNames[rawName] {
		return "", false
	}
	return rawName, true
}

// ColumnDef describes one column of a managed table.
type ColumnDef struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// TableDef describes one table to be reconciled additively, with a
// changelog trigger installed for it.
type TableDef struct {
	Name    string
	Columns []ColumnDef
}

func (t TableDef) primaryKeyColumn() (string, error) {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name, nil
		}
	}
	return "", errors.NotValidf("table %q without a primary-key column", t.Name)
}

// EnsureSchema reconciles the database at db so that it contains every
// table and column named in tables, using additive schema mode only: it
// never drops or rewrites an existing column, matching the source's
// SchemaMode::Additive / ObjectStore::apply_additive_changes policy.
// It also installs the __changelog table and per-table change triggers
// that back CurrentVersion/Advance, where they do not already exist; an
// existing trigger is not rewritten when columns are added to its table.
func EnsureSchema(ctx context.Context, db *sql.DB, tables ...TableDef) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			row_pk TEXT NOT NULL,
			op INTEGER NOT NULL,
			column_set TEXT
		)`, changelogTable)); err != nil {
		return errors.Annotate(err, "creating changelog table")
	}

	for _, table := range tables {
		if err := ensureTable(ctx, tx, table); err != nil {
			return errors.Annotatef(err, "reconciling table %q", table.Name)
		}
	}

	return errors.Trace(tx.Commit())
}

func ensureTable(ctx context.Context, tx *sql.Tx, table TableDef) error {
	pk, err := table.primaryKeyColumn()
	if err != nil {
		return errors.Trace(err)
	}

	var defs []string
	for _, c := range table.Columns {
		def := fmt.Sprintf("%s %s", c.Name, c.Type)
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	createStmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table.Name, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return errors.Annotate(err, "creating table")
	}

	existing, err := existingColumns(ctx, tx, table.Name)
	if err != nil {
		return errors.Trace(err)
	}
	for _, c := range table.Columns {
		if existing[c.Name] {
			continue
		}
		alterStmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table.Name, c.Name, c.Type)
		if _, err := tx.ExecContext(ctx, alterStmt); err != nil {
			return errors.Annotatef(err, "adding column %q", c.Name)
		}
	}

	return errors.Trace(installChangelogTriggers(ctx, tx, table, pk))
}

func existingColumns(ctx context.Context, tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, errors.Trace(err)
		}
		cols[name] = true
	}
	return cols, errors.Trace(rows.Err())
}

// installChangelogTriggers installs AFTER INSERT/UPDATE/DELETE triggers on
// table that append a row to __changelog. The UPDATE trigger computes the
// set of actually-changed columns inline, since SQLite has no native
// row-diff primitive.
func installChangelogTriggers(ctx context.Context, tx *sql.Tx, table TableDef, pk string) error {
	name := table.Name

	insertTrigger := fmt.Sprintf(
		`CREATE TRIGGER IF NOT EXISTS trg_%s_ai AFTER INSERT ON %s BEGIN
			INSERT INTO %s(table_name, row_pk, op) VALUES ('%s', CAST(NEW.%s AS TEXT), %d);
		END`, name, name, changelogTable, name, pk, OpInsert)

	deleteTrigger := fmt.Sprintf(
		`CREATE TRIGGER IF NOT EXISTS trg_%s_ad AFTER DELETE ON %s BEGIN
			INSERT INTO %s(table_name, row_pk, op) VALUES ('%s', CAST(OLD.%s AS TEXT), %d);
		END`, name, name, changelogTable, name, pk, OpDelete)

	var changedCols []string
	for _, c := range table.Columns {
		if c.Name == pk {
			continue
		}
		changedCols = append(changedCols,
			fmt.Sprintf("SELECT '%s' AS c WHERE NEW.%s IS NOT OLD.%s", c.Name, c.Name, c.Name))
	}
	columnSetExpr := "NULL"
	if len(changedCols) > 0 {
		columnSetExpr = fmt.Sprintf("(SELECT group_concat(c) FROM (%s))", strings.Join(changedCols, " UNION ALL "))
	}
	updateTrigger := fmt.Sprintf(
		`CREATE TRIGGER IF NOT EXISTS trg_%s_au AFTER UPDATE ON %s BEGIN
			INSERT INTO %s(table_name, row_pk, op, column_set) VALUES ('%s', CAST(NEW.%s AS TEXT), %d, %s);
		END`, name, name, changelogTable, name, pk, OpUpdate, columnSetExpr)

	for _, stmt := range []string{insertTrigger, deleteTrigger, updateTrigger} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Annotatef(err, "installing trigger for %q", name)
		}
	}
	return nil
}
