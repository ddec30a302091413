// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatcher fans change events out to the connections whose
// patterns match them.
package dispatcher

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/keyfeed/core/change"
	"github.com/juju/keyfeed/internal/registry"
)

// ChangeSource supplies the events to dispatch.
type ChangeSource interface {
	Changes() <-chan change.Event
}

// Connections finds the connections interested in a key.
type Connections interface {
	ForEachMatching(key string, fn func(*registry.Connection))
}

// Metrics records delivery outcomes. A nil Metrics records nothing.
type Metrics interface {
	Delivered()
	Dropped()
}

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Warningf(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config holds what the dispatcher needs to run.
type Config struct {
	Source      ChangeSource
	Connections Connections
	Metrics     Metrics
	Logger      Logger
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.Connections == nil {
		return errors.NotValidf("nil Connections")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Dispatcher is the single consumer of a change source. Delivery never
// blocks: an event that does not fit in a connection's buffer is dropped
// for that connection alone.
type Dispatcher struct {
	catacomb catacomb.Catacomb
	config   Config

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
}

// New starts a dispatcher.
func New(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	d := &Dispatcher{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: d.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Dispatcher) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Dispatcher) Wait() error {
	return d.catacomb.Wait()
}

// Report returns delivery totals for introspection.
func (d *Dispatcher) Report() map[string]interface{} {
	return map[string]interface{}{
		"dispatched": d.dispatched.Load(),
		"delivered":  d.delivered.Load(),
		"dropped":    d.dropped.Load(),
	}
}

func (d *Dispatcher) loop() error {
	changes := d.config.Source.Changes()
	for {
		select {
		case <-d.catacomb.Dying():
			return d.catacomb.ErrDying()
		case ev := <-changes:
			d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) dispatch(ev change.Event) {
	d.dispatched.Add(1)
	var delivered, dropped int
	d.config.Connections.ForEachMatching(ev.Key, func(conn *registry.Connection) {
		if conn.Deliver(ev) {
			delivered++
			d.config.Metrics.Delivered()
			return
		}
		dropped++
		d.config.Metrics.Dropped()
		d.config.Logger.Debugf("dropped %s for slow connection %q", ev, conn.ID())
	})
	d.delivered.Add(uint64(delivered))
	d.dropped.Add(uint64(dropped))
	d.config.Logger.Tracef("dispatched %s to %d connections, %d dropped", ev, delivered, dropped)
}

type noopMetrics struct{}

func (noopMetrics) Delivered() {}
func (noopMetrics) Dropped()   {}
