// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package signal implements the cross-thread wakeup primitive the delivery
// pipeline uses to tell a host event loop "something is ready, come drain
// it". There is no single implicit UI-thread loop in a Go program, so
// EventLoopSignal stands in for one: it runs its own catacomb-supervised
// goroutine that calls a bound callback whenever Notify has fired since the
// last call. A host that already pumps its own loop can skip this package
// entirely and call the target callback directly on its own schedule.
package signal

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// Logger is the logging surface EventLoopSignal needs.
type Logger interface {
	Debugf(string, ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}

// Target is invoked on the signal's own goroutine each time Notify has fired
// at least once since the previous invocation.
type Target func()

// EventLoopSignal is a non-blocking, coalescing wakeup: any number of calls
// to Notify between two deliveries of Target collapse into a single call.
// It is safe to call Notify from any goroutine, including one holding an
// unrelated lock (the work queue's, in this module's case) — Notify never
// blocks.
type EventLoopSignal struct {
	catacomb catacomb.Catacomb
	wake     chan struct{}
	target   Target
	logger   Logger
}

// Config configures an EventLoopSignal.
type Config struct {
	Target Target
	Logger Logger
}

func (cfg Config) validate() error {
	if cfg.Target == nil {
		return errors.NotValidf("missing Target")
	}
	return nil
}

// New starts an EventLoopSignal's goroutine.
func New(cfg Config) (*EventLoopSignal, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotate(err, "new EventLoopSignal invalid config")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	s := &EventLoopSignal{
		wake:   make(chan struct{}, 1),
		target: cfg.Target,
		logger: cfg.Logger,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Notify schedules a single future invocation of Target. Multiple calls
// while a wakeup is already pending coalesce into one. Never blocks.
func (s *EventLoopSignal) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Kill is part of the worker.Worker interface.
func (s *EventLoopSignal) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *EventLoopSignal) Wait() error {
	return s.catacomb.Wait()
}

func (s *EventLoopSignal) loop() error {
	s.logger.Debugf("signal loop started")
	defer s.logger.Debugf("signal loop finished")

	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.wake:
			s.target()
		}
	}
}
