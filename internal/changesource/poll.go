// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changesource

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/keyfeed/core/change"
	"github.com/juju/keyfeed/core/pattern"
	"github.com/juju/keyfeed/core/store"
)

// pollSource scans the keys matched by the active patterns every interval
// and emits an event for each key whose value differs from the last one it
// saw. Only the latest value at each tick is observed.
type pollSource struct {
	base
	catacomb catacomb.Catacomb

	// cache maps each observed key to its last known value. It is only
	// touched by the loop goroutine.
	cache     map[string]string
	cacheSize atomic.Int64
	ticks     atomic.Uint64
}

func newPollSource(config Config) (*pollSource, error) {
	s := &pollSource{
		cache: make(map[string]string),
	}
	s.init(config, ModePoll)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *pollSource) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *pollSource) Wait() error {
	return s.catacomb.Wait()
}

// Report is part of the Source interface.
func (s *pollSource) Report() map[string]interface{} {
	r := s.report()
	r["poll-interval"] = s.config.PollInterval.String()
	r["cache-size"] = s.cacheSize.Load()
	r["ticks"] = s.ticks.Load()
	return r
}

func (s *pollSource) loop() error {
	defer s.setState(StateStopped, nil)

	ctx := s.catacomb.Context(context.Background())
	s.setState(StatePolling, nil)
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.config.Clock.After(s.config.PollInterval):
			if !s.tick(ctx) {
				return s.catacomb.ErrDying()
			}
		}
	}
}

// tick runs one poll cycle. It returns false if the source started dying
// part way through.
func (s *pollSource) tick(ctx context.Context) bool {
	s.ticks.Add(1)
	defer func() {
		s.cacheSize.Store(int64(len(s.cache)))
	}()

	union := s.config.Patterns.PatternUnion()
	if union.IsEmpty() {
		// Nothing is watched, so nothing in the cache can matter.
		clear(s.cache)
		return true
	}

	dying := s.catacomb.Dying()
	seen := set.NewStrings()
	for _, p := range union.SortedValues() {
		keys, err := store.ScanAll(ctx, s.config.Store, p, s.config.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			// Keys found before the failure are still diffed below.
			s.config.Logger.Warningf("poll scan incomplete: %v", err)
			s.config.Metrics.ScanFailed()
		}
		for _, key := range keys.SortedValues() {
			if seen.Contains(key) {
				continue
			}
			seen.Add(key)
			if !s.observe(ctx, key, dying) {
				return false
			}
		}
	}

	// Cached keys the scans did not return have either been deleted or
	// been missed by a failed scan. Keys no longer watched are forgotten.
	active := pattern.NewSet(union.Values()...)
	var missing []string
	for key := range s.cache {
		if seen.Contains(key) {
			continue
		}
		if !active.MatchAny(key) {
			delete(s.cache, key)
			continue
		}
		missing = append(missing, key)
	}
	sort.Strings(missing)
	for _, key := range missing {
		if !s.observe(ctx, key, dying) {
			return false
		}
	}
	return true
}

// observe reads key and emits an event if its value differs from the
// cached one. A key that cannot be read is treated as absent, which is
// only reported when it had previously been seen.
func (s *pollSource) observe(ctx context.Context, key string, dying <-chan struct{}) bool {
	value, err := s.config.Store.Get(ctx, key)
	if err != nil {
		if !errors.IsNotFound(err) {
			if ctx.Err() != nil {
				return false
			}
			s.config.Logger.Warningf("reading %q: %v", key, err)
		}
		if _, ok := s.cache[key]; !ok {
			return true
		}
		delete(s.cache, key)
		return s.emit(change.Absent(key, change.Poll, s.config.Clock.Now()), dying)
	}

	if old, ok := s.cache[key]; ok && old == value {
		return true
	}
	s.cache[key] = value
	return s.emit(change.Updated(key, value, change.Poll, s.config.Clock.Now()), dying)
}
