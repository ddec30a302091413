// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snapshot lists the keys currently matched by a set of patterns.
// A snapshot is a point in time scan of the store and is independent of
// the live change feed.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/juju/keyfeed/core/store"
)

// DefaultConcurrency bounds the number of pattern scans run at once.
const DefaultConcurrency = 4

// Logger is the logging interface used by the builder.
type Logger interface {
	Warningf(string, ...interface{})
	Debugf(string, ...interface{})
}

// Metrics records snapshot outcomes.
type Metrics interface {
	ScanFailed()
	SnapshotBuilt(time.Duration)
}

// Config holds what a Builder needs.
type Config struct {
	Reader      store.Reader
	PageSize    int
	Concurrency int
	Clock       clock.Clock
	Logger      Logger
	Metrics     Metrics
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Reader == nil {
		return errors.NotValidf("nil Reader")
	}
	if config.PageSize < 0 {
		return errors.NotValidf("negative PageSize")
	}
	if config.Concurrency < 0 {
		return errors.NotValidf("negative Concurrency")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Builder builds key snapshots. It is safe for concurrent use.
type Builder struct {
	config Config
}

// NewBuilder returns a Builder for the given config.
func NewBuilder(config Config) (*Builder, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Concurrency == 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.PageSize == 0 {
		config.PageSize = store.DefaultPageSize
	}
	return &Builder{config: config}, nil
}

// Build scans every pattern and returns the union of matched keys in
// ascending order. If a scan fails the keys found by the others, and any
// found by the failed scan before it failed, are returned with the error.
func (b *Builder) Build(ctx context.Context, patterns []string) ([]string, error) {
	start := b.config.Clock.Now()

	var (
		mu   sync.Mutex
		keys = set.NewStrings()
	)
	var g errgroup.Group
	g.SetLimit(b.config.Concurrency)
	for _, p := range set.NewStrings(patterns...).SortedValues() {
		g.Go(func() error {
			found, err := store.ScanAll(ctx, b.config.Reader, p, b.config.PageSize)
			mu.Lock()
			keys = keys.Union(found)
			mu.Unlock()
			if err != nil {
				b.config.Logger.Warningf("snapshot incomplete: %v", err)
				if b.config.Metrics != nil {
					b.config.Metrics.ScanFailed()
				}
				return errors.Trace(err)
			}
			return nil
		})
	}
	err := g.Wait()

	if b.config.Metrics != nil {
		b.config.Metrics.SnapshotBuilt(b.config.Clock.Now().Sub(start))
	}
	b.config.Logger.Debugf("snapshot of %d patterns found %d keys", len(patterns), keys.Size())
	return keys.SortedValues(), err
}
