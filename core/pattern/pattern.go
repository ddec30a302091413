// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pattern implements the key patterns used to scope what a viewer
// can see. A pattern is a literal key in which every "*" matches any run of
// characters, including none. The whole key must match; there is no other
// wildcard syntax and matching is case sensitive.
package pattern

import (
	"regexp"
	"strings"
)

// Wildcard is the only special character in a pattern.
const Wildcard = "*"

// Pattern is a compiled key pattern.
type Pattern struct {
	source string
	re     *regexp.Regexp
}

// Compile returns the compiled form of the given pattern. Every pattern
// string is valid, so Compile never fails.
func Compile(p string) *Pattern {
	parts := strings.Split(p, Wildcard)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	// (?s) lets the wildcard span newlines; keys are arbitrary strings.
	expr := "(?s)^" + strings.Join(parts, ".*") + "$"
	return &Pattern{
		source: p,
		re:     regexp.MustCompile(expr),
	}
}

// String returns the pattern as it was written.
func (p *Pattern) String() string {
	return p.source
}

// Match reports whether key is matched by the pattern.
func (p *Pattern) Match(key string) bool {
	return p.re.MatchString(key)
}

// IsLiteral reports whether the pattern contains no wildcard, in which
// case it matches exactly one key.
func (p *Pattern) IsLiteral() bool {
	return !strings.Contains(p.source, Wildcard)
}

// Prefix returns the literal text before the first wildcard. Every key the
// pattern matches starts with it.
func (p *Pattern) Prefix() string {
	if i := strings.Index(p.source, Wildcard); i >= 0 {
		return p.source[:i]
	}
	return p.source
}

// Matches reports whether key is matched by pattern.
func Matches(key, pattern string) bool {
	return Compile(pattern).Match(key)
}

// Covers reports whether every key matched by requested is also matched by
// scope. The requested pattern is matched literally against scope: each of
// its wildcards must then be absorbed by a wildcard in scope, which can
// absorb any substitution of it too.
func Covers(scope, requested string) bool {
	return Matches(requested, scope)
}
