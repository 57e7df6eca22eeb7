// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workqueue implements the Work Queue & Calculator (C4): a
// condition-variable-protected FIFO of pending jobs, drained by exactly
// one dedicated worker per notifier instance, that turns a
// (fromVersion, toVersion) pair into a ChangeNotification.
package workqueue

import (
	"sync"

	"github.com/realmwatch/notifier/internal/storage"
)

// Job is produced by the registry (C3) and consumed exactly once by the
// worker: OldSnapshot is pinned at fromVersion (opened by the registry's
// transaction callback via storage.OpenSnapshot), and ToVersion is the
// commit the worker should advance it to. Path identifies the file, for
// the worker's own second, scratch handle.
type Job struct {
	OldSnapshot *storage.Snapshot
	Path        string
	ToVersion   storage.VersionID
}

// Queue is the condition-variable-protected FIFO described in the
// component design: exactly the shape the notifier calls out as the one
// place that uses a mutex+cond rather than a channel, so the worker can be
// woken either by a new Job or by shutdown.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	jobs     []Job
	shutdown bool
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends job to the queue and wakes the worker. Safe to call from
// any goroutine, including a storage-engine commit callback; it does
// nothing beyond taking this lock.
func (q *Queue) Push(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
}

// Pop blocks until shutdown is set or the queue is non-empty, then returns
// one job. The ok return is false only when Pop is unblocking because of
// shutdown, in which case the Job is the zero value.
func (q *Queue) Pop() (job Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.shutdown {
		q.cond.Wait()
	}
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job, q.jobs = q.jobs[0], q.jobs[1:]
	return job, true
}

// Shutdown marks the queue as closed and wakes the worker so it can
// observe shutdown and exit. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.cond.Broadcast()
}

// Len reports the number of jobs currently queued. Exposed for tests and
// reporting only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
