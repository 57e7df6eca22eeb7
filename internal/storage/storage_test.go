// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package storage_test

import (
	"context"
	"path/filepath"

	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/realmwatch/notifier/internal/storage"
)

type storageSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&storageSuite{})

func (s *storageSuite) peopleTable() storage.TableDef {
	return storage.TableDef{
		Name: "Person",
		Columns: []storage.ColumnDef{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "name", Type: "TEXT"},
			{Name: "age", Type: "INTEGER"},
		},
	}
}

func (s *storageSuite) openHandle(c *gc.C) *storage.Handle {
	path := filepath.Join(c.MkDir(), "realm.db")
	h, err := storage.Open(context.Background(), storage.Config{
		Path:   path,
		Tables: []storage.TableDef{s.peopleTable()},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = h.Close() })
	return h
}

func (s *storageSuite) TestOpenIsIdempotent(c *gc.C) {
	path := filepath.Join(c.MkDir(), "realm.db")
	cfg := storage.Config{Path: path, Tables: []storage.TableDef{s.peopleTable()}}

	h1, err := storage.Open(context.Background(), cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(h1.Close(), jc.ErrorIsNil)

	// Reopening against the same file with the same schema must not fail:
	// additive reconciliation is a no-op when nothing changed.
	h2, err := storage.Open(context.Background(), cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(h2.Close(), jc.ErrorIsNil)
}

func (s *storageSuite) TestCurrentVersionStartsUnset(c *gc.C) {
	h := s.openHandle(c)
	v, err := h.CurrentVersion(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(v.IsSet(), jc.IsFalse)
}

func (s *storageSuite) TestInsertAdvancesVersionAndChangeset(c *gc.C) {
	ctx := context.Background()
	h := s.openHandle(c)

	before, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	_, err = h.DB().ExecContext(ctx, `INSERT INTO Person(id, name, age) VALUES (1, 'Ada', 30)`)
	c.Assert(err, jc.ErrorIsNil)

	after, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(before.Before(after), jc.IsTrue)

	tracker, err := storage.Advance(ctx, h.DB(), before, after)
	c.Assert(err, jc.ErrorIsNil)
	tc := tracker.Table("Person")
	cs := tc.Finalize()
	c.Assert(cs.Insertions, jc.DeepEquals, map[string]struct{}{"1": {}})
	c.Assert(cs.Deletions, gc.HasLen, 0)
	c.Assert(cs.Modifications, gc.HasLen, 0)
}

func (s *storageSuite) TestUpdateRecordsModifiedColumns(c *gc.C) {
	ctx := context.Background()
	h := s.openHandle(c)

	_, err := h.DB().ExecContext(ctx, `INSERT INTO Person(id, name, age) VALUES (1, 'Ada', 30)`)
	c.Assert(err, jc.ErrorIsNil)
	mid, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	_, err = h.DB().ExecContext(ctx, `UPDATE Person SET age = 31 WHERE id = 1`)
	c.Assert(err, jc.ErrorIsNil)
	after, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	tracker, err := storage.Advance(ctx, h.DB(), mid, after)
	c.Assert(err, jc.ErrorIsNil)
	cs := tracker.Table("Person").Finalize()
	c.Assert(cs.Modifications, jc.DeepEquals, map[string]struct{}{"1": {}})
	c.Assert(cs.ColumnsModified["1"], jc.DeepEquals, map[string]struct{}{"age": {}})
}

func (s *storageSuite) TestInsertThenDeleteInSameRangeNetsToNothing(c *gc.C) {
	ctx := context.Background()
	h := s.openHandle(c)

	before, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	_, err = h.DB().ExecContext(ctx, `INSERT INTO Person(id, name, age) VALUES (2, 'Grace', 40)`)
	c.Assert(err, jc.ErrorIsNil)
	_, err = h.DB().ExecContext(ctx, `DELETE FROM Person WHERE id = 2`)
	c.Assert(err, jc.ErrorIsNil)

	after, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	tracker, err := storage.Advance(ctx, h.DB(), before, after)
	c.Assert(err, jc.ErrorIsNil)
	cs := tracker.Table("Person").Finalize()
	c.Assert(cs.Empty(), jc.IsTrue)
}

func (s *storageSuite) TestSnapshotIsolatedFromLaterCommits(c *gc.C) {
	ctx := context.Background()
	h := s.openHandle(c)

	_, err := h.DB().ExecContext(ctx, `INSERT INTO Person(id, name, age) VALUES (1, 'Ada', 30)`)
	c.Assert(err, jc.ErrorIsNil)
	pinned, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	snap, err := h.BeginRead(ctx, pinned)
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = snap.Close() }()
	c.Assert(snap.Version(), gc.Equals, pinned)

	_, err = h.DB().ExecContext(ctx, `INSERT INTO Person(id, name, age) VALUES (2, 'Grace', 40)`)
	c.Assert(err, jc.ErrorIsNil)

	var count int
	row := snap.Tx().QueryRowContext(ctx, `SELECT COUNT(*) FROM Person`)
	c.Assert(row.Scan(&count), jc.ErrorIsNil)
	c.Assert(count, gc.Equals, 1)

	current, err := h.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(pinned.Before(current), jc.IsTrue)
}

func (s *storageSuite) TestTableNameForExcludesReservedTables(c *gc.C) {
	_, ok := storage.TableNameFor("__changelog")
	c.Assert(ok, jc.IsFalse)
	_, ok = storage.TableNameFor("RealmFile")
	c.Assert(ok, jc.IsFalse)
	_, ok = storage.TableNameFor("__ResultSets")
	c.Assert(ok, jc.IsFalse)

	name, ok := storage.TableNameFor("Person")
	c.Assert(ok, jc.IsTrue)
	c.Assert(name, gc.Equals, "Person")
}

func (s *storageSuite) TestHasContent(c *gc.C) {
	ctx := context.Background()
	h := s.openHandle(c)

	has, err := storage.HasContent(ctx, h.DB())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(has, jc.IsFalse)

	_, err = h.DB().ExecContext(ctx, `INSERT INTO Person(id, name, age) VALUES (1, 'Ada', 30)`)
	c.Assert(err, jc.ErrorIsNil)

	has, err = storage.HasContent(ctx, h.DB())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(has, jc.IsTrue)
}
