// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pebblestore is an embedded store.Store backed by Pebble. Pebble
// has no change notifications, so it only supports poll mode.
package pebblestore

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/keyfeed/core/pattern"
	"github.com/juju/keyfeed/core/store"
)

var logger = loggo.GetLogger("keyfeed.store.pebble")

// FsyncMode defines durability behavior for writes.
type FsyncMode string

const (
	// FsyncAlways syncs the WAL on every write.
	FsyncAlways FsyncMode = "always"
	// FsyncInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncInterval FsyncMode = "interval"
	// FsyncNever leaves syncing to Pebble's own policies.
	FsyncNever FsyncMode = "never"
)

// DefaultFsyncInterval is the group commit window for FsyncInterval.
const DefaultFsyncInterval = 5 * time.Millisecond

// Validate returns an error if the mode is not known.
func (m FsyncMode) Validate() error {
	switch m {
	case FsyncAlways, FsyncInterval, FsyncNever:
		return nil
	}
	return errors.NotValidf("fsync mode %q", string(m))
}

// Options configures the store.
type Options struct {
	// Dir is the path to the Pebble database directory.
	Dir string

	// Fsync determines when to sync the WAL. Empty means FsyncInterval.
	Fsync FsyncMode

	// FsyncInterval controls group commit when Fsync is FsyncInterval.
	FsyncInterval time.Duration

	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Store wraps a Pebble database.
type Store struct {
	db        *pebble.DB
	writeSync bool
}

var _ store.Store = (*Store)(nil)

// Open creates or opens a Pebble database.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.NotValidf("empty Dir")
	}
	if opts.Fsync == "" {
		opts.Fsync = FsyncInterval
	}
	if err := opts.Fsync.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if opts.Fsync == FsyncInterval {
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = DefaultFsyncInterval
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, errors.Annotatef(err, "opening pebble database in %q", opts.Dir)
	}
	logger.Infof("opened pebble database in %q (fsync %s)", opts.Dir, opts.Fsync)
	return &Store{
		db:        db,
		writeSync: opts.Fsync == FsyncAlways,
	}, nil
}

// Get is part of the store.Reader interface.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", errors.NotFoundf("key %q", key)
	} else if err != nil {
		return "", errors.Annotatef(err, "reading %q", key)
	}
	defer closer.Close()
	return string(val), nil
}

// Scan is part of the store.Reader interface. Keys are visited in order
// starting from the pattern's literal prefix; count bounds the keys
// visited, not the keys returned. The cursor is the last key visited.
func (s *Store) Scan(ctx context.Context, p, cursor string, count int) ([]string, string, error) {
	if count <= 0 {
		count = store.DefaultPageSize
	}
	compiled := pattern.Compile(p)
	prefix := []byte(compiled.Prefix())

	opts := &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
	if cursor != "" {
		// Resume just after the cursor.
		opts.LowerBound = append([]byte(cursor), 0)
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, "", errors.Annotatef(err, "scanning %q", p)
	}
	defer iter.Close()

	var (
		keys    []string
		last    string
		visited int
	)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return keys, "", errors.Trace(err)
		}
		if visited == count {
			return keys, last, nil
		}
		last = string(iter.Key())
		visited++
		if compiled.Match(last) {
			keys = append(keys, last)
		}
	}
	if err := iter.Error(); err != nil {
		return keys, "", errors.Annotatef(err, "scanning %q", p)
	}
	return keys, "", nil
}

// SupportsNotifications is part of the store.Notifier interface. Pebble
// never pushes changes.
func (s *Store) SupportsNotifications(context.Context) (bool, error) {
	return false, nil
}

// Subscribe is part of the store.Notifier interface.
func (s *Store) Subscribe(context.Context) (store.Subscription, error) {
	return nil, errors.NotSupportedf("pebble change notifications")
}

// Set stores value under key, honouring the fsync mode.
func (s *Store) Set(key, value string) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(key), []byte(value), nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Commit(s.writeOptions()))
}

// Delete removes key, honouring the fsync mode.
func (s *Store) Delete(key string) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(key), nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Commit(s.writeOptions()))
}

// Close is part of the store.Store interface.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil if there is none.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
