// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pattern

import (
	"github.com/juju/collections/set"
)

// Set is an immutable collection of compiled patterns.
type Set struct {
	sources  set.Strings
	compiled []*Pattern
}

// NewSet compiles the given patterns into a Set. Duplicates are removed.
func NewSet(patterns ...string) Set {
	sources := set.NewStrings(patterns...)
	compiled := make([]*Pattern, 0, sources.Size())
	for _, p := range sources.SortedValues() {
		compiled = append(compiled, Compile(p))
	}
	return Set{
		sources:  sources,
		compiled: compiled,
	}
}

// MatchAny reports whether key is matched by at least one pattern.
func (s Set) MatchAny(key string) bool {
	for _, p := range s.compiled {
		if p.Match(key) {
			return true
		}
	}
	return false
}

// Covers reports whether requested is covered by at least one pattern
// in the set.
func (s Set) Covers(requested string) bool {
	for _, p := range s.compiled {
		if p.Match(requested) {
			return true
		}
	}
	return false
}

// Contains reports whether the exact pattern string is in the set.
func (s Set) Contains(p string) bool {
	return s.sources.Contains(p)
}

// Strings returns a copy of the pattern strings in the set.
func (s Set) Strings() set.Strings {
	return set.NewStrings(s.sources.Values()...)
}

// Sorted returns the pattern strings in ascending order.
func (s Set) Sorted() []string {
	return s.sources.SortedValues()
}

// Len returns the number of distinct patterns.
func (s Set) Len() int {
	return len(s.compiled)
}

// IsEmpty reports whether the set has no patterns.
func (s Set) IsEmpty() bool {
	return len(s.compiled) == 0
}
