// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	gc "gopkg.in/check.v1"

	"github.com/juju/keyfeed/core/store"
	"github.com/juju/keyfeed/internal/apiserver"
	"github.com/juju/keyfeed/internal/config"
	"github.com/juju/keyfeed/internal/daemon"
	"github.com/juju/keyfeed/internal/store/pebblestore"
	"github.com/juju/keyfeed/internal/store/storetesting"
	keyfeedtesting "github.com/juju/keyfeed/internal/testing"
)

const secret = "daemon-secret"

type daemonSuite struct {
	testing.IsolationSuite

	dir   string
	store *storetesting.Store
}

var _ = gc.Suite(&daemonSuite{})

func (s *daemonSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.dir = c.MkDir()
	err := os.WriteFile(filepath.Join(s.dir, "scopes.yaml"), []byte(`
identities:
  alice: ["metrics:*"]
`), 0600)
	c.Assert(err, jc.ErrorIsNil)

	s.store = storetesting.NewStore(true)
	s.store.SetQuietly("metrics:cpu", "10")
}

func (s *daemonSuite) config(c *gc.C, attrs map[string]interface{}) config.Config {
	all := map[string]interface{}{
		config.ListenAddress: "127.0.0.1:0",
		config.TokenSecret:   secret,
		config.ScopesFile:    filepath.Join(s.dir, "scopes.yaml"),
	}
	for k, v := range attrs {
		all[k] = v
	}
	cfg, err := config.New(all)
	c.Assert(err, jc.ErrorIsNil)
	return cfg
}

func (s *daemonSuite) openTestStore(context.Context, config.Config) (store.Store, error) {
	return s.store, nil
}

func (s *daemonSuite) start(c *gc.C, params daemon.Params) *daemon.Daemon {
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}
	d, err := daemon.New(context.Background(), params)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.DirtyKill(c, d) })
	return d
}

func token(c *gc.C, subject string) string {
	now := time.Now()
	tok, err := jwt.NewBuilder().Subject(subject).IssuedAt(now).Expiration(now.Add(time.Hour)).Build()
	c.Assert(err, jc.ErrorIsNil)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	c.Assert(err, jc.ErrorIsNil)
	return string(signed)
}

func dial(c *gc.C, d *daemon.Daemon) *websocket.Conn {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(c, "alice"))
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/feed", d.Addr()), header)
	c.Assert(err, jc.ErrorIsNil)
	return conn
}

func readInto(c *gc.C, conn *websocket.Conn, out interface{}) {
	c.Assert(conn.SetReadDeadline(time.Now().Add(keyfeedtesting.LongWait)), jc.ErrorIsNil)
	_, data, err := conn.ReadMessage()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(json.Unmarshal(data, out), jc.ErrorIsNil)
}

func (s *daemonSuite) waitFor(c *gc.C, cond func() bool, what string) {
	timeout := time.After(keyfeedtesting.LongWait)
	for !cond() {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *daemonSuite) TestParamsValidate(c *gc.C) {
	_, err := daemon.New(context.Background(), daemon.Params{
		Config: s.config(c, nil),
	})
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")
}

func (s *daemonSuite) TestEndToEnd(c *gc.C) {
	d := s.start(c, daemon.Params{
		Config:    s.config(c, map[string]interface{}{config.Mode: "push"}),
		OpenStore: s.openTestStore,
	})
	workertest.CheckAlive(c, d)
	s.waitFor(c, func() bool { return len(s.store.Subscriptions()) == 1 }, "subscription")

	conn := dial(c, d)
	defer conn.Close()
	var snap apiserver.SnapshotMessage
	readInto(c, conn, &snap)
	c.Check(snap, jc.DeepEquals, apiserver.SnapshotMessage{
		Kind: apiserver.KindSnapshot,
		Keys: []string{"metrics:cpu"},
	})

	s.store.Set("metrics:cpu", "20")
	var update apiserver.UpdateMessage
	readInto(c, conn, &update)
	c.Check(update.Key, gc.Equals, "metrics:cpu")
	c.Assert(update.Value, gc.NotNil)
	c.Check(*update.Value, gc.Equals, "20")

	report := d.Report()
	c.Check(report["source"].(map[string]interface{})["mode"], gc.Equals, "push")
}

func (s *daemonSuite) TestKillClosesEverything(c *gc.C) {
	d := s.start(c, daemon.Params{
		Config:    s.config(c, nil),
		OpenStore: s.openTestStore,
	})
	conn := dial(c, d)
	defer conn.Close()
	var snap apiserver.SnapshotMessage
	readInto(c, conn, &snap)

	workertest.CleanKill(c, d)

	c.Check(s.store.Closed(), jc.IsTrue)
	c.Assert(conn.SetReadDeadline(time.Now().Add(keyfeedtesting.LongWait)), jc.ErrorIsNil)
	_, _, err := conn.ReadMessage()
	c.Check(err, gc.NotNil)

	_, err = net.Dial("tcp", d.Addr().String())
	c.Check(err, gc.NotNil)
}

func (s *daemonSuite) TestMissingScopesFile(c *gc.C) {
	cfg := s.config(c, nil)
	cfg.ScopesFile = filepath.Join(s.dir, "missing.yaml")
	_, err := daemon.New(context.Background(), daemon.Params{
		Config:    cfg,
		OpenStore: s.openTestStore,
		Clock:     clock.WallClock,
	})
	c.Check(err, gc.ErrorMatches, "reading scopes file: .*")
	c.Check(s.store.Closed(), jc.IsFalse)
}

func (s *daemonSuite) TestStoreOpenFailure(c *gc.C) {
	_, err := daemon.New(context.Background(), daemon.Params{
		Config: s.config(c, nil),
		OpenStore: func(context.Context, config.Config) (store.Store, error) {
			return nil, errors.New("connection refused")
		},
		Clock: clock.WallClock,
	})
	c.Check(err, gc.ErrorMatches, "opening store: connection refused")
}

func (s *daemonSuite) TestListenFailureClosesStore(c *gc.C) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	defer l.Close()

	_, err = daemon.New(context.Background(), daemon.Params{
		Config:    s.config(c, map[string]interface{}{config.ListenAddress: l.Addr().String()}),
		OpenStore: s.openTestStore,
		Clock:     clock.WallClock,
	})
	c.Check(err, gc.ErrorMatches, `listening on .*`)
	c.Check(s.store.Closed(), jc.IsTrue)
}

func (s *daemonSuite) TestPebblePolling(c *gc.C) {
	var pebble *pebblestore.Store
	openStore := func(ctx context.Context, cfg config.Config) (store.Store, error) {
		st, err := daemon.OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pebble = st.(*pebblestore.Store)
		return st, pebble.Set("metrics:disk", "70")
	}
	d := s.start(c, daemon.Params{
		Config: s.config(c, map[string]interface{}{
			config.StoreType:    config.StorePebble,
			config.PebbleDir:    filepath.Join(s.dir, "db"),
			config.PebbleFsync:  "always",
			config.PollInterval: "20ms",
		}),
		OpenStore: openStore,
	})

	conn := dial(c, d)
	defer conn.Close()
	var snap apiserver.SnapshotMessage
	readInto(c, conn, &snap)
	c.Check(snap.Keys, jc.DeepEquals, []string{"metrics:disk"})

	c.Assert(pebble.Set("metrics:disk", "75"), jc.ErrorIsNil)
	var update apiserver.UpdateMessage
	for {
		readInto(c, conn, &update)
		if update.Value != nil && *update.Value == "75" {
			break
		}
	}
	c.Check(update.Cause, gc.Equals, "poll")
}
