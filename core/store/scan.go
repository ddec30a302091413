// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/keyfeed/core/pattern"
)

// DefaultPageSize is used when a caller asks for a non positive page size.
const DefaultPageSize = 100

// ScanAll enumerates every key matched by p, following cursors until the
// store reports the end. The keys gathered before an error are returned
// along with it.
func ScanAll(ctx context.Context, r Reader, p string, pageSize int) (set.Strings, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	compiled := pattern.Compile(p)
	found := set.NewStrings()
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return found, errors.Trace(err)
		}
		keys, next, err := r.Scan(ctx, p, cursor, pageSize)
		if err != nil {
			return found, errors.Annotatef(err, "scanning %q", p)
		}
		for _, key := range keys {
			if compiled.Match(key) {
				found.Add(key)
			}
		}
		if next == "" {
			return found, nil
		}
		cursor = next
	}
}
