// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry tracks the live viewer connections and the patterns
// each of them is subscribed to.
package registry

import (
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/keyfeed/core/pattern"
)

var logger = loggo.GetLogger("keyfeed.registry")

// ErrClosed is returned by Register once the registry has been closed.
const ErrClosed = errors.ConstError("registry closed")

// subscribers is the set of connections sharing one pattern.
type subscribers struct {
	pattern *pattern.Pattern
	conns   map[string]*Connection
}

// Registry is the set of live connections. All methods are safe for
// concurrent use; a single RWMutex orders writers against readers.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	index  map[string]*subscribers
	closed bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		index: make(map[string]*subscribers),
	}
}

// Register adds conn to the registry. It is visible to the next dispatch
// and the next pattern union.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return errors.NotValidf("nil connection")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.conns[conn.id]; ok {
		return errors.AlreadyExistsf("connection %q", conn.id)
	}
	r.conns[conn.id] = conn
	r.indexPatterns(conn, conn.active)
	logger.Debugf("registered connection %q with patterns %v", conn.id, conn.active.Sorted())
	return nil
}

// UpdatePatterns atomically replaces the active patterns of a connection.
// Patterns outside the connection's auth scope are not applied and are
// returned. Events already queued on the connection are unaffected.
func (r *Registry) UpdatePatterns(id string, patterns []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, errors.NotFoundf("connection %q", id)
	}
	accepted, rejected := restrict(conn.authScope, patterns)
	if len(rejected) > 0 {
		logger.Warningf("connection %q requested patterns outside its scope: %v", id, rejected)
	}

	r.unindexPatterns(conn, conn.active)
	conn.active = pattern.NewSet(accepted...)
	r.indexPatterns(conn, conn.active)
	logger.Debugf("connection %q now subscribed to %v", id, conn.active.Sorted())
	return rejected, nil
}

// Patterns returns the active patterns of a connection.
func (r *Registry) Patterns(id string) (pattern.Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return pattern.Set{}, errors.NotFoundf("connection %q", id)
	}
	return conn.active, nil
}

// Unregister removes a connection and closes its outbound channel.
// Unregistering an unknown or already removed id does nothing.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	r.unindexPatterns(conn, conn.active)
	conn.close()
	logger.Debugf("unregistered connection %q", id)
}

// PatternUnion returns every pattern at least one connection is
// subscribed to.
func (r *Registry) PatternUnion() set.Strings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	union := set.NewStrings()
	for p := range r.index {
		union.Add(p)
	}
	return union
}

// ForEachMatching calls fn once for every live connection with at least
// one active pattern matching key. The registry is read locked for the
// whole call, so fn sees one consistent set of connections and must not
// block or call back into the registry.
func (r *Registry) ForEachMatching(key string, fn func(*Connection)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var visited map[string]bool
	for _, subs := range r.index {
		if !subs.pattern.Match(key) {
			continue
		}
		if visited == nil {
			visited = make(map[string]bool)
		}
		for id, conn := range subs.conns {
			if visited[id] {
				continue
			}
			visited[id] = true
			fn(conn)
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll unregisters every connection and refuses any further
// registrations. It is used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.close()
		delete(r.conns, id)
	}
	r.index = make(map[string]*subscribers)
	r.closed = true
}

// Report returns a summary of the registry for introspection.
func (r *Registry) Report() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, 0, len(r.index))
	for p := range r.index {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	conns := make(map[string]interface{}, len(r.conns))
	for id, conn := range r.conns {
		conns[id] = map[string]interface{}{
			"patterns":  conn.active.Sorted(),
			"delivered": conn.Delivered(),
			"dropped":   conn.Dropped(),
		}
	}
	return map[string]interface{}{
		"connection-count": len(r.conns),
		"patterns":         patterns,
		"connections":      conns,
	}
}

func (r *Registry) indexPatterns(conn *Connection, patterns pattern.Set) {
	for _, p := range patterns.Sorted() {
		subs, ok := r.index[p]
		if !ok {
			subs = &subscribers{
				pattern: pattern.Compile(p),
				conns:   make(map[string]*Connection),
			}
			r.index[p] = subs
		}
		subs.conns[conn.id] = conn
	}
}

func (r *Registry) unindexPatterns(conn *Connection, patterns pattern.Set) {
	for _, p := range patterns.Sorted() {
		subs, ok := r.index[p]
		if !ok {
			continue
		}
		delete(subs.conns, conn.id)
		if len(subs.conns) == 0 {
			delete(r.index, p)
		}
	}
}
