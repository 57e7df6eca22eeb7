// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package delivery_test

import (
	"context"
	"sync"
	"time"

	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/realmwatch/notifier/internal/delivery"
	"github.com/realmwatch/notifier/internal/storage"
	"github.com/realmwatch/notifier/internal/workqueue"
)

type pipelineSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&pipelineSuite{})

type recordingCallback struct {
	mu       sync.Mutex
	received []delivery.Notification
	notified chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{notified: make(chan struct{}, 16)}
}

func (r *recordingCallback) RealmChanged(n delivery.Notification) {
	r.mu.Lock()
	r.received = append(r.received, n)
	r.mu.Unlock()
	r.notified <- struct{}{}
}

func (r *recordingCallback) waitN(c *gc.C, n int) {
	for i := 0; i < n; i++ {
		select {
		case <-r.notified:
		case <-time.After(5 * time.Second):
			c.Fatalf("timed out waiting for delivery %d/%d", i+1, n)
		}
	}
}

func (r *recordingCallback) all() []delivery.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery.Notification, len(r.received))
	copy(out, r.received)
	return out
}

func notification(newV uint64) workqueue.Notification {
	return workqueue.Notification{
		New:  storage.VersionFromUint64(newV),
		Path: "unused",
	}
}

func (s *pipelineSuite) TestPushDeliversViaSignal(c *gc.C) {
	cb := newRecordingCallback()
	p, err := delivery.New(delivery.Config{Target: cb, StartSignal: true})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Assert(p.Close(), jc.ErrorIsNil) }()

	p.Push(notification(1))
	cb.waitN(c, 1)
	c.Assert(cb.all()[0].New, gc.Equals, storage.VersionFromUint64(1))
}

func (s *pipelineSuite) TestFIFOOrderAcrossMultiplePushes(c *gc.C) {
	cb := newRecordingCallback()
	p, err := delivery.New(delivery.Config{Target: cb, StartSignal: true})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Assert(p.Close(), jc.ErrorIsNil) }()

	p.Push(notification(1))
	p.Push(notification(2))
	p.Push(notification(3))
	cb.waitN(c, 3)

	got := cb.all()
	c.Assert(got, gc.HasLen, 3)
	c.Assert(got[0].New, gc.Equals, storage.VersionFromUint64(1))
	c.Assert(got[1].New, gc.Equals, storage.VersionFromUint64(2))
	c.Assert(got[2].New, gc.Equals, storage.VersionFromUint64(3))
}

func (s *pipelineSuite) TestPauseSuppressesDeliveryUntilResume(c *gc.C) {
	cb := newRecordingCallback()
	// Drive OnChange manually so Pause/Resume interleave deterministically
	// with delivery, rather than racing a background signal goroutine.
	p, err := delivery.New(delivery.Config{Target: cb})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Assert(p.Close(), jc.ErrorIsNil) }()

	p.Pause()
	p.Push(notification(1))
	p.Push(notification(2))

	c.Assert(p.HasPending(), jc.IsTrue)
	select {
	case <-cb.notified:
		c.Fatalf("expected no delivery while paused")
	case <-time.After(100 * time.Millisecond):
	}

	p.Resume()
	c.Assert(cb.all(), gc.HasLen, 2)
	c.Assert(p.HasPending(), jc.IsFalse)
}

func (s *pipelineSuite) TestCloseDiscardsPendingAndClosesSnapshots(c *gc.C) {
	cb := newRecordingCallback()
	p, err := delivery.New(delivery.Config{Target: cb})
	c.Assert(err, jc.ErrorIsNil)

	path := c.MkDir() + "/realm.db"
	h, err := storage.Open(context.Background(), storage.Config{Path: path})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = h.Close() }()

	snap, err := h.BeginRead(context.Background(), storage.VersionFromUint64(1))
	c.Assert(err, jc.ErrorIsNil)

	p.Pause()
	p.Push(workqueue.Notification{Path: path, OldSnapshot: snap})

	c.Assert(p.Close(), jc.ErrorIsNil)
	c.Assert(p.HasPending(), jc.IsFalse)
}
