// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"sync"

	"github.com/juju/pubsub/v2"

	"github.com/juju/keyfeed/internal/changesource"
)

// sourceTracker remembers the last state the change source published.
type sourceTracker struct {
	mu    sync.Mutex
	last  changesource.StateMessage
	seen  bool
	unsub func()
}

func newSourceTracker(hub *pubsub.SimpleHub) *sourceTracker {
	t := &sourceTracker{}
	t.unsub = hub.Subscribe(changesource.StateTopic, t.onState)
	return t
}

func (t *sourceTracker) onState(_ string, data interface{}) {
	msg, ok := data.(changesource.StateMessage)
	if !ok {
		logger.Warningf("unexpected %T on %q", data, changesource.StateTopic)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = msg
	t.seen = true
}

// state returns the last published state, and false if nothing has been
// published yet.
func (t *sourceTracker) state() (changesource.StateMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.seen
}

func (t *sourceTracker) stop() {
	t.unsub()
}

// HealthResponse is the body served on /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Mode        string `json:"mode,omitempty"`
	SourceState string `json:"source-state,omitempty"`
	SourceError string `json:"source-error,omitempty"`
	Connections int    `json:"connections"`
}

const (
	healthOK       = "ok"
	healthStarting = "starting"
	healthFaulted  = "faulted"
)

func (t *sourceTracker) health(connections int) (HealthResponse, bool) {
	resp := HealthResponse{
		Status:      healthStarting,
		Connections: connections,
	}
	msg, seen := t.state()
	if !seen {
		return resp, false
	}
	resp.Mode = string(msg.Mode)
	resp.SourceState = string(msg.State)
	resp.SourceError = msg.Error
	switch msg.State {
	case changesource.StateFaulted, changesource.StateStopped:
		resp.Status = healthFaulted
		return resp, false
	}
	resp.Status = healthOK
	return resp, true
}
