// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pebblestore_test

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corestore "github.com/juju/keyfeed/core/store"
	"github.com/juju/keyfeed/internal/store/pebblestore"
)

type storeSuite struct {
	testing.IsolationSuite

	store *pebblestore.Store
}

var _ = gc.Suite(&storeSuite{})

func (s *storeSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	st, err := pebblestore.Open(pebblestore.Options{
		Dir:           "keyfeed",
		Fsync:         pebblestore.FsyncNever,
		PebbleOptions: &pebble.Options{FS: vfs.NewMem()},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.store = st
	s.AddCleanup(func(c *gc.C) {
		c.Check(s.store.Close(), jc.ErrorIsNil)
	})
	for key, value := range map[string]string{
		"metrics:cpu":  "10",
		"metrics:mem":  "512",
		"metrics:disk": "80",
		"metricsx":     "no",
		"user:1":       "alice",
		"a.b":          "dot",
		"axb":          "x",
	} {
		c.Assert(s.store.Set(key, value), jc.ErrorIsNil)
	}
}

func (s *storeSuite) TestOpenValidation(c *gc.C) {
	_, err := pebblestore.Open(pebblestore.Options{})
	c.Check(err, gc.ErrorMatches, "empty Dir not valid")

	_, err = pebblestore.Open(pebblestore.Options{Dir: "x", Fsync: "sometimes"})
	c.Check(err, gc.ErrorMatches, `fsync mode "sometimes" not valid`)
}

func (s *storeSuite) TestOpenFsyncAlways(c *gc.C) {
	st, err := pebblestore.Open(pebblestore.Options{
		Dir:           "always",
		Fsync:         pebblestore.FsyncAlways,
		PebbleOptions: &pebble.Options{FS: vfs.NewMem()},
	})
	c.Assert(err, jc.ErrorIsNil)
	defer st.Close()

	c.Assert(st.Set("k", "v"), jc.ErrorIsNil)
	value, err := st.Get(context.Background(), "k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(value, gc.Equals, "v")
}

func (s *storeSuite) TestGet(c *gc.C) {
	value, err := s.store.Get(context.Background(), "metrics:cpu")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(value, gc.Equals, "10")

	_, err = s.store.Get(context.Background(), "missing")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *storeSuite) TestDelete(c *gc.C) {
	c.Assert(s.store.Delete("user:1"), jc.ErrorIsNil)
	_, err := s.store.Get(context.Background(), "user:1")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *storeSuite) TestScanAll(c *gc.C) {
	for _, test := range []struct {
		pattern string
		keys    []string
	}{
		{"metrics:*", []string{"metrics:cpu", "metrics:disk", "metrics:mem"}},
		{"metrics*", []string{"metrics:cpu", "metrics:disk", "metrics:mem", "metricsx"}},
		{"*:1", []string{"user:1"}},
		{"a.b", []string{"a.b"}},
		{"nothing*", nil},
	} {
		keys, err := corestore.ScanAll(context.Background(), s.store, test.pattern, 1)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(keys.SortedValues(), jc.DeepEquals, test.keys, gc.Commentf("pattern %q", test.pattern))
	}
}

func (s *storeSuite) TestScanPages(c *gc.C) {
	keys, cursor, err := s.store.Scan(context.Background(), "metrics:*", "", 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(keys, jc.DeepEquals, []string{"metrics:cpu", "metrics:disk"})
	c.Check(cursor, gc.Equals, "metrics:disk")

	keys, cursor, err = s.store.Scan(context.Background(), "metrics:*", cursor, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(keys, jc.DeepEquals, []string{"metrics:mem"})
	c.Check(cursor, gc.Equals, "")
}

func (s *storeSuite) TestNoNotifications(c *gc.C) {
	supported, err := s.store.SupportsNotifications(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(supported, jc.IsFalse)

	_, err = s.store.Subscribe(context.Background())
	c.Check(err, jc.Satisfies, errors.IsNotSupported)
}
