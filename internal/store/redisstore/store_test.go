// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package redisstore

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type storeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&storeSuite{})

func (s *storeSuite) TestValidate(c *gc.C) {
	err := Config{}.Validate()
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	c.Check(err, gc.ErrorMatches, "empty Address not valid")

	err = Config{Address: "localhost:6379", DB: -1}.Validate()
	c.Check(err, gc.ErrorMatches, "negative DB not valid")

	_, err = Open(context.Background(), Config{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *storeSuite) TestGlobPattern(c *gc.C) {
	for _, test := range []struct {
		pattern, glob string
	}{
		{"user:*", "user:*"},
		{"*", "*"},
		{"", ""},
		{"what?", `what\?`},
		{"a[1]*", `a\[1\]*`},
		{`back\slash`, `back\\slash`},
		{"dots.are.fine", "dots.are.fine"},
	} {
		c.Check(globPattern(test.pattern), gc.Equals, test.glob, gc.Commentf("pattern %q", test.pattern))
	}
}

func (s *storeSuite) TestParseKeyspaceChannel(c *gc.C) {
	prefix := keyspacePrefix(3)
	c.Check(prefix, gc.Equals, "__keyspace@3__:")

	key, ok := parseKeyspaceChannel(prefix, "__keyspace@3__:metrics:cpu")
	c.Check(ok, jc.IsTrue)
	c.Check(key, gc.Equals, "metrics:cpu")

	key, ok = parseKeyspaceChannel(prefix, "__keyspace@3__:")
	c.Check(ok, jc.IsTrue)
	c.Check(key, gc.Equals, "")

	_, ok = parseKeyspaceChannel(prefix, "__keyspace@0__:metrics:cpu")
	c.Check(ok, jc.IsFalse)
	_, ok = parseKeyspaceChannel(prefix, "__keyevent@3__:set")
	c.Check(ok, jc.IsFalse)
}

func (s *storeSuite) TestKeyspaceEnabled(c *gc.C) {
	for _, test := range []struct {
		flags   string
		enabled bool
	}{
		{"", false},
		{"KEA", true},
		{"AK", true},
		{"K$", true},
		{"Kg", true},
		{"Kx", false},
		{"EA", false},
		{"E$g", false},
	} {
		c.Check(keyspaceEnabled(test.flags), gc.Equals, test.enabled, gc.Commentf("flags %q", test.flags))
	}
}
