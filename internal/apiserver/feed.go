// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/juju/keyfeed/internal/registry"
)

// PatternQueryParam may be repeated on /feed to choose the initial
// patterns. Without it a viewer starts subscribed to its whole scope.
const PatternQueryParam = "pattern"

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedHandler serves /feed. Each viewer gets a registry connection, an
// initial snapshot and then every matching update until either side
// goes away.
type feedHandler struct {
	server *Server
}

// ServeHTTP implements the http.Handler interface.
func (h *feedHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	identity, scope, ok := h.server.authorize(w, req)
	if !ok {
		return
	}
	socket, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	defer socket.Close()

	var requested []string
	if values, ok := req.URL.Query()[PatternQueryParam]; ok {
		requested = values
	}
	conn, rejected, err := registry.NewConnection(registry.ConnectionParams{
		ID:         uuid.NewString(),
		AuthScope:  scope.Values(),
		Patterns:   requested,
		BufferSize: h.server.config.OutboundBuffer,
	})
	if err != nil {
		logger.Errorf("creating connection for %q: %v", identity.Subject, err)
		return
	}
	if len(rejected) > 0 {
		logger.Warningf("%q requested patterns outside its scope: %v", identity.Subject, rejected)
	}
	if err := h.server.config.Registry.Register(conn); err != nil {
		logger.Debugf("not registering %q: %v", identity.Subject, err)
		return
	}
	defer h.server.config.Registry.Unregister(conn.ID())

	clk := h.server.config.Clock
	start := clk.Now()
	h.server.config.Metrics.ConnectionOpened()
	defer func() {
		h.server.config.Metrics.ConnectionClosed(clk.Now().Sub(start))
	}()
	logger.Infof("%q connected as %s", identity.Subject, conn.ID())

	f := &feed{
		server:     h.server,
		socket:     socket,
		conn:       conn,
		subscribes: make(chan []string),
		limiter:    rate.NewLimiter(rate.Limit(h.server.config.SubscribeRate), h.server.config.SubscribeRate),
	}
	err = f.run()
	logger.Infof("%s disconnected: %v", conn.ID(), err)
}

// feed is one live websocket. The reader goroutine decodes subscribe
// messages; the writer goroutine applies them and is the only one writing
// to the socket. A snapshot is always written before the updates that
// were queued while it was built.
type feed struct {
	tomb tomb.Tomb

	server     *Server
	socket     *websocket.Conn
	conn       *registry.Connection
	subscribes chan []string
	limiter    *rate.Limiter
}

// subscribeRequest is the inbound form of SubscribeMessage. A nil
// Patterns means the field was missing or null.
type subscribeRequest struct {
	Kind     string    `json:"kind"`
	Patterns *[]string `json:"patterns"`
}

func (f *feed) run() error {
	ctx := f.tomb.Context(context.Background())
	patterns, err := f.server.config.Registry.Patterns(f.conn.ID())
	if err != nil {
		f.tomb.Kill(err)
		return errors.Trace(err)
	}
	// Updates dispatched during the build wait in the outbound buffer
	// until the writer starts.
	if err := f.write(newSnapshotMessage(f.snapshot(ctx, patterns.Sorted()))); err != nil {
		f.tomb.Kill(err)
		return errors.Annotate(err, "writing snapshot")
	}

	f.tomb.Go(func() error {
		return f.writeLoop(ctx)
	})
	f.tomb.Go(func() error {
		return f.readLoop(ctx)
	})
	return f.tomb.Wait()
}

func (f *feed) snapshot(ctx context.Context, patterns []string) []string {
	keys, err := f.server.config.Snapshots.Build(ctx, patterns)
	if err != nil {
		logger.Warningf("partial snapshot for %s: %v", f.conn.ID(), err)
	}
	return keys
}

func (f *feed) writeLoop(ctx context.Context) error {
	// Closing the socket unblocks the reader.
	defer f.socket.Close()
	defer f.tomb.Kill(nil)

	cfg := f.server.config
	ping := cfg.Clock.NewTimer(cfg.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-f.tomb.Dying():
			return tomb.ErrDying
		case <-cfg.Abort:
			deadline := cfg.Clock.Now().Add(cfg.WriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = f.socket.WriteControl(websocket.CloseMessage, msg, deadline)
			return nil
		case ev, ok := <-f.conn.Outbound():
			if !ok {
				return nil
			}
			if err := f.write(newUpdateMessage(ev)); err != nil {
				return errors.Trace(err)
			}
		case requested := <-f.subscribes:
			if err := f.subscribe(ctx, requested); err != nil {
				return errors.Trace(err)
			}
		case <-ping.Chan():
			deadline := cfg.Clock.Now().Add(cfg.WriteWait)
			if err := f.socket.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// This error is expected if the other end goes away.
				logger.Debugf("failed to write ping: %s", err)
				return nil
			}
			ping.Reset(cfg.PingPeriod)
		}
	}
}

func (f *feed) write(msg interface{}) error {
	cfg := f.server.config
	if err := f.socket.SetWriteDeadline(cfg.Clock.Now().Add(cfg.WriteWait)); err != nil {
		return errors.Trace(err)
	}
	return f.socket.WriteJSON(msg)
}

func (f *feed) readLoop(ctx context.Context) error {
	// A viewer closing its end stops the writer too.
	defer f.tomb.Kill(nil)

	cfg := f.server.config
	// A viewer that stops answering pings is dropped once the read
	// deadline passes.
	pongWait := cfg.PingPeriod + cfg.WriteWait
	f.socket.SetReadLimit(maxMessageSize)
	_ = f.socket.SetReadDeadline(cfg.Clock.Now().Add(pongWait))
	f.socket.SetPongHandler(func(string) error {
		return f.socket.SetReadDeadline(cfg.Clock.Now().Add(pongWait))
	})

	for {
		_, data, err := f.socket.ReadMessage()
		if err != nil {
			select {
			case <-f.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Annotate(err, "reading from viewer")
		}
		_ = f.socket.SetReadDeadline(cfg.Clock.Now().Add(pongWait))

		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Kind != KindSubscribe || req.Patterns == nil {
			logger.Debugf("ignoring malformed message from %s", f.conn.ID())
			continue
		}
		// Subscribes over the rate are delayed, never dropped, so the
		// last one sent is always the one applied.
		if err := f.limiter.Wait(ctx); err != nil {
			select {
			case <-f.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return errors.Annotate(err, "waiting to subscribe")
		}
		select {
		case f.subscribes <- *req.Patterns:
		case <-f.tomb.Dying():
			return tomb.ErrDying
		}
	}
}

// subscribe replaces the active patterns and writes a fresh snapshot of
// the ones accepted. Updates for the new patterns queue behind it.
func (f *feed) subscribe(ctx context.Context, requested []string) error {
	reg := f.server.config.Registry
	if _, err := reg.UpdatePatterns(f.conn.ID(), requested); err != nil {
		return errors.Trace(err)
	}
	patterns, err := reg.Patterns(f.conn.ID())
	if err != nil {
		return errors.Trace(err)
	}
	return f.write(newSnapshotMessage(f.snapshot(ctx, patterns.Sorted())))
}
