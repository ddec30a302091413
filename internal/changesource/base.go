// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changesource

import (
	"sync"
	"sync/atomic"

	"github.com/juju/keyfeed/core/change"
)

// base holds what both sources share: the output channel, the state and
// its publication on the hub.
type base struct {
	config Config
	mode   Mode
	out    chan change.Event

	mu      sync.Mutex
	state   State
	lastErr error

	emitted atomic.Uint64
}

func (b *base) init(config Config, mode Mode) {
	b.config = config
	b.mode = mode
	b.out = make(chan change.Event)
	b.state = StateIdle
}

// Changes is part of the Source interface.
func (b *base) Changes() <-chan change.Event {
	return b.out
}

// Mode is part of the Source interface.
func (b *base) Mode() Mode {
	return b.mode
}

// State is part of the Source interface.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(state State, err error) {
	b.mu.Lock()
	if b.state == state && err == nil {
		b.mu.Unlock()
		return
	}
	b.state = state
	if err != nil {
		b.lastErr = err
	}
	b.mu.Unlock()

	msg := StateMessage{Mode: b.mode, State: state}
	if err != nil {
		msg.Error = err.Error()
	}
	_ = b.config.Hub.Publish(StateTopic, msg)
}

// emit sends ev to the consumer. It returns false if dying closed first.
func (b *base) emit(ev change.Event, dying <-chan struct{}) bool {
	select {
	case b.out <- ev:
		b.emitted.Add(1)
		b.config.Metrics.EventDetected(ev.Cause)
		b.config.Logger.Tracef("emitted %s", ev)
		return true
	case <-dying:
		return false
	}
}

func (b *base) report() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := map[string]interface{}{
		"mode":    string(b.mode),
		"state":   string(b.state),
		"emitted": b.emitted.Load(),
	}
	if b.lastErr != nil {
		r["error"] = b.lastErr.Error()
	}
	return r
}
