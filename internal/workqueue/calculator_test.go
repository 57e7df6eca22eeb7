// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package workqueue_test

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/realmwatch/notifier/internal/storage"
	"github.com/realmwatch/notifier/internal/workqueue"
)

type calculatorSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&calculatorSuite{})

type fakeSink struct {
	mu            sync.Mutex
	notifications []workqueue.Notification
	received      chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{received: make(chan struct{}, 16)}
}

func (f *fakeSink) Push(n workqueue.Notification) {
	f.mu.Lock()
	f.notifications = append(f.notifications, n)
	f.mu.Unlock()
	f.received <- struct{}{}
}

func (f *fakeSink) waitOne(c *gc.C) workqueue.Notification {
	select {
	case <-f.received:
	case <-time.After(5 * time.Second):
		c.Fatalf("timed out waiting for a notification")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifications[len(f.notifications)-1]
}

func (s *calculatorSuite) newSchema(c *gc.C) string {
	path := filepath.Join(c.MkDir(), "realm.db")
	h, err := storage.Open(context.Background(), storage.Config{
		Path: path,
		Tables: []storage.TableDef{{
			Name: "Thing",
			Columns: []storage.ColumnDef{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "value", Type: "TEXT"},
			},
		}},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(h.Close(), jc.ErrorIsNil)
	return path
}

func (s *calculatorSuite) TestProcessMaterializesInsertions(c *gc.C) {
	ctx := context.Background()
	path := s.newSchema(c)

	writer, err := storage.Open(ctx, storage.Config{Path: path})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = writer.Close() }()

	before, err := writer.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)
	oldSnap, err := writer.BeginRead(ctx, before)
	c.Assert(err, jc.ErrorIsNil)

	_, err = writer.DB().ExecContext(ctx, `INSERT INTO Thing(id, value) VALUES (1, 'a')`)
	c.Assert(err, jc.ErrorIsNil)
	after, err := writer.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	q := workqueue.New()
	sink := newFakeSink()
	calc, err := workqueue.NewCalculator(workqueue.CalculatorConfig{Queue: q, Sink: sink})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Assert(calc.Stop(), jc.ErrorIsNil) }()

	q.Push(workqueue.Job{OldSnapshot: oldSnap, Path: path, ToVersion: after})

	n := sink.waitOne(c)
	c.Assert(n.Old, gc.Equals, before)
	c.Assert(n.New, gc.Equals, after)
	c.Assert(n.PerTableChanges, gc.HasLen, 1)
	cs, ok := n.PerTableChanges["Thing"]
	c.Assert(ok, jc.IsTrue)
	c.Assert(cs.Insertions, jc.DeepEquals, map[string]struct{}{"1": {}})
}

func (s *calculatorSuite) TestDroppedJobSurfacesDiagnosticAndWorkerKeepsRunning(c *gc.C) {
	ctx := context.Background()
	path := s.newSchema(c)

	writer, err := storage.Open(ctx, storage.Config{Path: path})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = writer.Close() }()

	before, err := writer.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)
	oldSnap, err := writer.BeginRead(ctx, before)
	c.Assert(err, jc.ErrorIsNil)

	q := workqueue.New()
	sink := newFakeSink()
	calc, err := workqueue.NewCalculator(workqueue.CalculatorConfig{Queue: q, Sink: sink})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Assert(calc.Stop(), jc.ErrorIsNil) }()

	// A scratch handle opened against a path whose parent directory
	// doesn't exist can never succeed, simulating the source file having
	// vanished out from under the worker.
	brokenPath := filepath.Join(c.MkDir(), "missing", "realm.db")
	q.Push(workqueue.Job{OldSnapshot: oldSnap, Path: brokenPath, ToVersion: before})

	dropped := sink.waitOne(c)
	c.Assert(dropped.Err, gc.NotNil)
	c.Assert(dropped.Path, gc.Equals, brokenPath)
	c.Assert(dropped.OldSnapshot, gc.IsNil)

	// The worker goroutine must still be running: a subsequent, valid job
	// is processed normally rather than queuing forever behind a dead
	// worker.
	oldSnap2, err := writer.BeginRead(ctx, before)
	c.Assert(err, jc.ErrorIsNil)
	_, err = writer.DB().ExecContext(ctx, `INSERT INTO Thing(id, value) VALUES (1, 'a')`)
	c.Assert(err, jc.ErrorIsNil)
	after, err := writer.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	q.Push(workqueue.Job{OldSnapshot: oldSnap2, Path: path, ToVersion: after})

	n := sink.waitOne(c)
	c.Assert(n.Err, jc.ErrorIsNil)
	c.Assert(n.PerTableChanges, gc.HasLen, 1)
}

func (s *calculatorSuite) TestSuppressesEmptyChangeOnNonEmptySource(c *gc.C) {
	ctx := context.Background()
	path := s.newSchema(c)

	writer, err := storage.Open(ctx, storage.Config{Path: path})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = writer.Close() }()

	_, err = writer.DB().ExecContext(ctx, `INSERT INTO Thing(id, value) VALUES (1, 'a')`)
	c.Assert(err, jc.ErrorIsNil)
	before, err := writer.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	oldSnap, err := writer.BeginRead(ctx, before)
	c.Assert(err, jc.ErrorIsNil)

	// A no-op write still advances the changelog version (an update whose
	// values don't change still fires the AFTER UPDATE trigger) but yields
	// an empty per-table change set once finalized; since Thing already has
	// rows, the job should be suppressed.
	_, err = writer.DB().ExecContext(ctx, `UPDATE Thing SET value = value WHERE id = 1`)
	c.Assert(err, jc.ErrorIsNil)
	after, err := writer.CurrentVersion(ctx)
	c.Assert(err, jc.ErrorIsNil)

	q := workqueue.New()
	sink := newFakeSink()
	calc, err := workqueue.NewCalculator(workqueue.CalculatorConfig{Queue: q, Sink: sink})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Assert(calc.Stop(), jc.ErrorIsNil) }()

	q.Push(workqueue.Job{OldSnapshot: oldSnap, Path: path, ToVersion: after})

	select {
	case <-sink.received:
		c.Fatalf("expected suppression, but a notification was pushed")
	case <-time.After(200 * time.Millisecond):
	}
}
