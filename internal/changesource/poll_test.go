// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changesource_test

import (
	"sort"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/keyfeed/core/change"
	"github.com/juju/keyfeed/internal/changesource"
	"github.com/juju/keyfeed/internal/store/storetesting"
	keyfeedtesting "github.com/juju/keyfeed/internal/testing"
)

type pollSuite struct {
	baseSuite
}

var _ = gc.Suite(&pollSuite{})

func (s *pollSuite) SetUpTest(c *gc.C) {
	s.baseSuite.SetUpTest(c)
	s.store = storetesting.NewStore(false)
}

func (s *pollSuite) newPoller(c *gc.C) changesource.Source {
	source := s.newSource(c, changesource.ModeAuto)
	c.Assert(source.Mode(), gc.Equals, changesource.ModePoll)
	return source
}

// tick advances the clock past one poll interval once the loop waits.
func (s *pollSuite) tick(c *gc.C) {
	err := s.clock.WaitAdvance(time.Second, keyfeedtesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

// settle waits for the running tick to finish by waiting for the next
// timer to be requested.
func (s *pollSuite) settle(c *gc.C) {
	err := s.clock.WaitAdvance(0, keyfeedtesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

// collect reads n events and returns them keyed by key.
func (s *pollSuite) collect(c *gc.C, source changesource.Source, n int) map[string]change.Event {
	events := make(map[string]change.Event)
	for i := 0; i < n; i++ {
		ev := s.nextEvent(c, source)
		_, dup := events[ev.Key]
		c.Check(dup, jc.IsFalse, gc.Commentf("key %q emitted twice in one tick", ev.Key))
		events[ev.Key] = ev
	}
	s.settle(c)
	s.assertNoEvent(c, source)
	return events
}

func keys(events map[string]change.Event) []string {
	var out []string
	for k := range events {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *pollSuite) TestEmptyUnionDoesNotTouchStore(c *gc.C) {
	s.store.SetQuietly("a", "1")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	s.settle(c)
	s.assertNoEvent(c, source)
	c.Check(s.store.ScanCalls(), gc.Equals, 0)
	c.Check(s.store.GetCalls(), gc.Equals, 0)
}

func (s *pollSuite) TestFirstObservationEmits(c *gc.C) {
	s.store.SetQuietly("metrics:cpu", "10")
	s.store.SetQuietly("metrics:mem", "512")
	s.store.SetQuietly("metrics:disk", "80")
	s.store.SetQuietly("user:1", "bob")
	s.patterns.set("metrics:*")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	events := s.collect(c, source, 3)
	c.Check(keys(events), jc.DeepEquals, []string{"metrics:cpu", "metrics:disk", "metrics:mem"})
	ev := events["metrics:cpu"]
	c.Check(ev.Value, gc.Equals, "10")
	c.Check(ev.Exists, jc.IsTrue)
	c.Check(ev.Cause, gc.Equals, change.Poll)
	c.Check(source.Report()["cache-size"], gc.Equals, int64(3))
}

func (s *pollSuite) TestUnchangedEmitsNothing(c *gc.C) {
	s.store.SetQuietly("k", "v")
	s.patterns.set("k")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	s.collect(c, source, 1)

	s.tick(c)
	s.collect(c, source, 0)
}

func (s *pollSuite) TestChangedEmitsOncePerTick(c *gc.C) {
	s.store.SetQuietly("metrics:cpu", "10")
	s.store.SetQuietly("metrics:mem", "1")
	s.patterns.set("metrics:*", "metrics:cpu")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	s.collect(c, source, 2)

	// Intermediate values between ticks are coalesced.
	s.store.SetQuietly("metrics:cpu", "15")
	s.store.SetQuietly("metrics:cpu", "20")
	s.tick(c)
	events := s.collect(c, source, 1)
	c.Check(events["metrics:cpu"].Value, gc.Equals, "20")
}

func (s *pollSuite) TestDeletedKeyIsReportedAbsent(c *gc.C) {
	s.store.SetQuietly("user:1", "a")
	s.store.SetQuietly("user:2", "b")
	s.patterns.set("user:*")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	s.collect(c, source, 2)

	s.store.Delete("user:2")
	s.tick(c)
	events := s.collect(c, source, 1)
	ev := events["user:2"]
	c.Check(ev.Exists, jc.IsFalse)
	c.Check(ev.Cause, gc.Equals, change.Poll)

	// Reported once only.
	s.tick(c)
	s.collect(c, source, 0)
}

func (s *pollSuite) TestUnwatchedKeysAreEvicted(c *gc.C) {
	s.store.SetQuietly("user:1", "a")
	s.patterns.set("user:*")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	s.collect(c, source, 1)

	s.patterns.set("order:*")
	s.tick(c)
	s.collect(c, source, 0)
	c.Check(source.Report()["cache-size"], gc.Equals, int64(0))

	// Watching it again is a first observation.
	s.patterns.set("user:*")
	s.tick(c)
	events := s.collect(c, source, 1)
	c.Check(events["user:1"].Value, gc.Equals, "a")
}

func (s *pollSuite) TestScanFailureUsesOtherPatterns(c *gc.C) {
	s.store.SetQuietly("user:1", "a")
	s.store.SetQuietly("order:1", "b")
	s.patterns.set("user:*", "order:*")
	s.store.SetScanError("order:*", errors.New("busy"))
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	events := s.collect(c, source, 1)
	c.Check(keys(events), jc.DeepEquals, []string{"user:1"})
}

func (s *pollSuite) TestFailedScanDoesNotReportAbsence(c *gc.C) {
	s.store.SetQuietly("user:1", "a")
	s.patterns.set("user:*")
	source := s.newPoller(c)
	defer workertest.CleanKill(c, source)

	s.tick(c)
	s.collect(c, source, 1)

	// The key still exists, so the direct read finds it unchanged.
	s.store.SetScanError("user:*", errors.New("busy"))
	s.tick(c)
	s.collect(c, source, 0)

	// A change during the outage is still caught by the direct read.
	s.store.SetQuietly("user:1", "b")
	s.tick(c)
	events := s.collect(c, source, 1)
	c.Check(events["user:1"].Value, gc.Equals, "b")
}

func (s *pollSuite) TestState(c *gc.C) {
	source := s.newPoller(c)
	s.waitState(c, changesource.StatePolling)
	c.Check(source.State(), gc.Equals, changesource.StatePolling)

	workertest.CleanKill(c, source)
	c.Check(source.State(), gc.Equals, changesource.StateStopped)
}
