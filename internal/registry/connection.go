// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/juju/keyfeed/core/change"
	"github.com/juju/keyfeed/core/pattern"
)

// DefaultBufferSize is the outbound buffer used when none is given.
const DefaultBufferSize = 64

// ConnectionParams holds what is known about a viewer when it connects.
type ConnectionParams struct {
	// ID uniquely identifies the connection.
	ID string

	// AuthScope holds the patterns the viewer's identity may see.
	AuthScope []string

	// Patterns are the patterns to start with. When nil the connection
	// subscribes to its whole AuthScope.
	Patterns []string

	// BufferSize is the capacity of the outbound channel.
	BufferSize int
}

// Validate returns an error if the params cannot create a connection.
func (p ConnectionParams) Validate() error {
	if p.ID == "" {
		return errors.NotValidf("empty ID")
	}
	if p.BufferSize < 0 {
		return errors.NotValidf("negative BufferSize")
	}
	return nil
}

// Connection is one live viewer. Its active patterns are owned by the
// Registry it is registered with and only change under the registry lock.
type Connection struct {
	id        string
	authScope pattern.Set

	// active is guarded by the owning registry's mutex.
	active pattern.Set

	// We can't send down a closed channel, so protect the sending
	// with a mutex and bool.
	mu       sync.Mutex
	outbound chan change.Event
	closed   bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewConnection returns a connection that is not yet registered. Any
// requested pattern outside the auth scope is left out and returned.
func NewConnection(params ConnectionParams) (*Connection, []string, error) {
	if err := params.Validate(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	size := params.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	scope := pattern.NewSet(params.AuthScope...)
	requested := params.Patterns
	if requested == nil {
		requested = scope.Sorted()
	}
	accepted, rejected := restrict(scope, requested)
	return &Connection{
		id:        params.ID,
		authScope: scope,
		active:    pattern.NewSet(accepted...),
		outbound:  make(chan change.Event, size),
	}, rejected, nil
}

// ID returns the connection's identifier.
func (c *Connection) ID() string {
	return c.id
}

// AuthScope returns the patterns the connection is allowed to see.
func (c *Connection) AuthScope() pattern.Set {
	return c.authScope
}

// Outbound returns the channel matched events are delivered on. It is
// closed when the connection is unregistered.
func (c *Connection) Outbound() <-chan change.Event {
	return c.outbound
}

// Deliver offers ev to the connection without blocking. It returns false
// if the outbound buffer is full or the connection is closed, in which
// case the event is dropped for this connection only.
func (c *Connection) Deliver(ev change.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.outbound <- ev:
		c.delivered.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Delivered returns how many events have been queued for the connection.
func (c *Connection) Delivered() uint64 {
	return c.delivered.Load()
}

// Dropped returns how many events were discarded because the outbound
// buffer was full.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

// restrict splits requested into the patterns covered by scope and those
// that are not. Duplicates are removed.
func restrict(scope pattern.Set, requested []string) (accepted, rejected []string) {
	seen := make(map[string]bool, len(requested))
	for _, p := range requested {
		if seen[p] {
			continue
		}
		seen[p] = true
		if scope.Covers(p) {
			accepted = append(accepted, p)
		} else {
			rejected = append(rejected, p)
		}
	}
	return accepted, rejected
}
