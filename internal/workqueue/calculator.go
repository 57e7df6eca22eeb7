// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package workqueue

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/realmwatch/notifier/internal/storage"
)

// Logger is the logging surface the Calculator needs.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{}) {}

// ChangeSet mirrors storage.ChangeSet, re-exported at this layer so
// downstream packages (delivery, the public API) don't need to import
// internal/storage just to read a result produced here.
type ChangeSet = storage.ChangeSet

// Notification is the materialized result of one Job: the source
// snapshot, already pinned at fromVersion, plus the per-table changes
// between fromVersion and toVersion. It is what gets pushed onto the
// delivery queue (C5).
type Notification struct {
	Old             storage.VersionID
	New             storage.VersionID
	Path            string
	OldSnapshot     *storage.Snapshot
	PerTableChanges map[string]ChangeSet

	// Err carries a diagnostic when the job behind this Notification was
	// dropped instead of materialized (the source file vanished out from
	// under the scratch handle, the changelog couldn't be advanced, and so
	// on). OldSnapshot and PerTableChanges are unset when Err is set; the
	// job is not retried.
	Err error
}

// Sink is where the calculator pushes a Notification once computed. The
// delivery pipeline (C5) implements this.
type Sink interface {
	Push(Notification)
}

// CalculatorConfig configures a Calculator.
type CalculatorConfig struct {
	Queue  *Queue
	Sink   Sink
	Logger Logger
}

func (cfg CalculatorConfig) validate() error {
	if cfg.Queue == nil {
		return errors.NotValidf("missing Queue")
	}
	if cfg.Sink == nil {
		return errors.NotValidf("missing Sink")
	}
	return nil
}

// Calculator is the single dedicated worker goroutine per notifier
// instance that drains the Queue and computes ChangeNotifications.
type Calculator struct {
	catacomb catacomb.Catacomb
	cfg      CalculatorConfig
}

// NewCalculator starts the worker goroutine.
func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotate(err, "new Calculator invalid config")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	w := &Calculator{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Calculator) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. It does not unblock the
// queue's Pop; Stop does.
func (w *Calculator) Wait() error {
	err := w.catacomb.Wait()
	return err
}

// Stop kills and waits, additionally unblocking Queue.Pop: callers that
// own the Calculator's lifecycle should call this instead of Kill+Wait
// directly, since the queue's condition variable has no idea about the
// catacomb's Dying channel.
func (w *Calculator) Stop() error {
	w.cfg.Queue.Shutdown()
	w.Kill()
	return w.Wait()
}

func (w *Calculator) loop() error {
	w.cfg.Logger.Debugf("calculator loop started")
	defer w.cfg.Logger.Debugf("calculator loop finished")

	for {
		job, ok := w.cfg.Queue.Pop()
		if !ok {
			return nil
		}
		select {
		case <-w.catacomb.Dying():
			_ = job.OldSnapshot.Close()
			return w.catacomb.ErrDying()
		default:
		}

		if err := w.process(job); err != nil {
			// The source file can vanish out from under a scratch handle
			// (removed out-of-band; admin feed registrations are never
			// retracted), and a transient storage error is not retried: the
			// job is dropped and a diagnostic is surfaced to the consumer
			// instead, rather than killing the one worker serving every
			// watched file in the fleet.
			w.cfg.Logger.Warningf("dropping job for %q: %v", job.Path, err)
			_ = job.OldSnapshot.Close()
			w.cfg.Sink.Push(Notification{Path: job.Path, Err: errors.Trace(err)})
		}
	}
}

// process implements steps 4-8 of the work-queue algorithm.
func (w *Calculator) process(job Job) error {
	ctx := context.Background()
	fromVersion := job.OldSnapshot.Version()

	// Step 4: a second uncached handle for the advance computation, so the
	// consumer-facing snapshot (pinned at fromVersion) is left untouched.
	scratch, err := storage.Open(ctx, storage.Config{Path: job.Path})
	if err != nil {
		return errors.Annotatef(err, "opening scratch handle for %q", job.Path)
	}
	defer func() { _ = scratch.Close() }()

	// Step 5.
	tracker, err := storage.Advance(ctx, scratch.DB(), fromVersion, job.ToVersion)
	if err != nil {
		return errors.Annotate(err, "advancing scratch handle")
	}

	// Step 6.
	perTable := map[string]ChangeSet{}
	for tableName, tc := range tracker.Tables() {
		if tc.Empty() {
			continue
		}
		name, ok := storage.TableNameFor(tableName)
		if !ok {
			continue
		}
		perTable[name] = tc.Finalize()
	}

	// Step 7: suppression rule.
	if len(perTable) == 0 {
		hasContent, err := storage.HasContent(ctx, job.OldSnapshot.Tx())
		if err != nil {
			return errors.Annotate(err, "checking source content for suppression")
		}
		if hasContent {
			w.cfg.Logger.Debugf("suppressing empty notification for %q", job.Path)
			return job.OldSnapshot.Close()
		}
	}

	for name, cs := range perTable {
		w.cfg.Logger.Debugf("table %q in %q: %s", name, job.Path, cs.Kinds())
	}

	// Step 8.
	w.cfg.Sink.Push(Notification{
		Old:             fromVersion,
		New:             job.ToVersion,
		Path:            job.Path,
		OldSnapshot:     job.OldSnapshot,
		PerTableChanges: perTable,
	})
	return nil
}
