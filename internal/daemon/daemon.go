// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package daemon assembles the change feed: the store, the change source,
// the dispatcher, the connection registry and the HTTP server in front of
// them all.
package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/keyfeed/core/store"
	"github.com/juju/keyfeed/internal/apiserver"
	"github.com/juju/keyfeed/internal/auth"
	"github.com/juju/keyfeed/internal/changesource"
	"github.com/juju/keyfeed/internal/config"
	"github.com/juju/keyfeed/internal/dispatcher"
	"github.com/juju/keyfeed/internal/metrics"
	"github.com/juju/keyfeed/internal/registry"
	"github.com/juju/keyfeed/internal/snapshot"
	"github.com/juju/keyfeed/internal/store/pebblestore"
	"github.com/juju/keyfeed/internal/store/redisstore"
)

var logger = loggo.GetLogger("keyfeed.daemon")

// shutdownTimeout bounds how long in-flight HTTP requests get to finish.
const shutdownTimeout = 5 * time.Second

// OpenStoreFunc opens the store described by the config.
type OpenStoreFunc func(context.Context, config.Config) (store.Store, error)

// Params holds what New needs to start a daemon.
type Params struct {
	Config config.Config

	// OpenStore defaults to OpenStore.
	OpenStore OpenStoreFunc

	// Listener is served on if set; otherwise Config.ListenAddress is.
	Listener net.Listener

	Clock clock.Clock
}

// Validate returns an error if the params cannot start a daemon.
func (p Params) Validate() error {
	if err := p.Config.Validate(); err != nil {
		return errors.Trace(err)
	}
	if p.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// OpenStore opens a Redis or Pebble store according to the config.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreType {
	case config.StoreRedis:
		st, err := redisstore.Open(ctx, redisstore.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return st, nil
	case config.StorePebble:
		st, err := pebblestore.Open(pebblestore.Options{
			Dir:   cfg.PebbleDir,
			Fsync: pebblestore.FsyncMode(cfg.PebbleFsync),
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return st, nil
	}
	return nil, errors.NotValidf("store type %q", cfg.StoreType)
}

// NewPrometheusRegistry returns a registry holding the Go and process
// collectors along with the feed's own.
func NewPrometheusRegistry(collector prometheus.Collector) (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(prometheus.NewGoCollector()); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.Register(collector); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Daemon is a worker running the whole feed. Killing it closes every
// viewer connection, stops change detection and closes the store.
type Daemon struct {
	catacomb catacomb.Catacomb

	store      store.Store
	registry   *registry.Registry
	source     changesource.Source
	dispatcher *dispatcher.Dispatcher
	server     *apiserver.Server
	httpServer *http.Server
	listener   net.Listener
}

// New starts a daemon. Everything opened before a failure is closed again.
func New(ctx context.Context, params Params) (_ *Daemon, err error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if params.OpenStore == nil {
		params.OpenStore = OpenStore
	}
	cfg := params.Config

	scopes, err := auth.ReadScopesFile(cfg.ScopesFile)
	if err != nil {
		return nil, errors.Trace(err)
	}
	authn, err := auth.NewAuthenticator([]byte(cfg.TokenSecret), params.Clock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	collector := metrics.NewCollector()
	gatherer, err := NewPrometheusRegistry(collector)
	if err != nil {
		return nil, errors.Trace(err)
	}

	st, err := params.OpenStore(ctx, cfg)
	if err != nil {
		return nil, errors.Annotate(err, "opening store")
	}
	var cleanups []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()
	cleanups = append(cleanups, func() { _ = st.Close() })

	d := &Daemon{
		store:    st,
		registry: registry.New(),
	}
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("keyfeed.hub"),
	})

	d.source, err = changesource.New(ctx, changesource.Config{
		Store:        st,
		Patterns:     d.registry,
		Mode:         changesource.Mode(cfg.Mode),
		PollInterval: cfg.PollInterval,
		PageSize:     cfg.ScanPageSize,
		Hub:          hub,
		Clock:        params.Clock,
		Logger:       loggo.GetLogger("keyfeed.changesource"),
		Metrics:      collector,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	cleanups = append(cleanups, func() { _ = worker.Stop(d.source) })

	d.dispatcher, err = dispatcher.New(dispatcher.Config{
		Source:      d.source,
		Connections: d.registry,
		Metrics:     collector,
		Logger:      loggo.GetLogger("keyfeed.dispatcher"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	cleanups = append(cleanups, func() { _ = worker.Stop(d.dispatcher) })

	builder, err := snapshot.NewBuilder(snapshot.Config{
		Reader:      st,
		PageSize:    cfg.ScanPageSize,
		Concurrency: cfg.SnapshotConcurrency,
		Clock:       params.Clock,
		Logger:      loggo.GetLogger("keyfeed.snapshot"),
		Metrics:     collector,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	// abort is closed by loop as soon as the daemon starts dying.
	abort := make(chan struct{})
	d.server, err = apiserver.NewServer(apiserver.Config{
		Registry:      d.registry,
		Snapshots:     builder,
		Authenticator: authn,
		Scopes:        scopes,
		Hub:           hub,
		Reporters: map[string]apiserver.Reporter{
			"source":     d.source,
			"dispatcher": d.dispatcher,
		},
		Gatherer:       gatherer,
		Metrics:        collector,
		Abort:          abort,
		Clock:          params.Clock,
		OutboundBuffer: cfg.OutboundBuffer,
		SubscribeRate:  cfg.SubscribeRate,
		PingPeriod:     cfg.PingPeriod,
		WriteWait:      cfg.WriteWait,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	cleanups = append(cleanups, d.server.Close)

	d.listener = params.Listener
	if d.listener == nil {
		if d.listener, err = net.Listen("tcp", cfg.ListenAddress); err != nil {
			return nil, errors.Annotatef(err, "listening on %q", cfg.ListenAddress)
		}
	}
	cleanups = append(cleanups, func() { _ = d.listener.Close() })
	d.httpServer = &http.Server{
		Handler:           d.server,
		ReadHeaderTimeout: cfg.WriteWait,
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: func() error {
			return d.loop(abort)
		},
		Init: []worker.Worker{d.source, d.dispatcher},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Daemon) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Daemon) Wait() error {
	return d.catacomb.Wait()
}

// Addr returns the address the HTTP server is listening on.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// Report returns the state of every component.
func (d *Daemon) Report() map[string]interface{} {
	return map[string]interface{}{
		"address":    d.listener.Addr().String(),
		"registry":   d.registry.Report(),
		"source":     d.source.Report(),
		"dispatcher": d.dispatcher.Report(),
	}
}

func (d *Daemon) loop(abort chan struct{}) error {
	defer d.shutdown()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.httpServer.Serve(d.listener)
	}()
	logger.Infof("serving on %s", d.listener.Addr())

	select {
	case <-d.catacomb.Dying():
		close(abort)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.httpServer.Shutdown(ctx); err != nil {
			logger.Warningf("shutting down http server: %v", err)
		}
		<-serveErr
		return d.catacomb.ErrDying()
	case err := <-serveErr:
		close(abort)
		return errors.Annotate(err, "serving http")
	}
}

// shutdown releases everything in dependency order: viewers first, then
// change detection, then the store.
func (d *Daemon) shutdown() {
	d.registry.CloseAll()
	d.server.Close()
	if err := worker.Stop(d.dispatcher); err != nil {
		logger.Warningf("stopping dispatcher: %v", err)
	}
	if err := worker.Stop(d.source); err != nil {
		logger.Warningf("stopping change source: %v", err)
	}
	if err := d.store.Close(); err != nil {
		logger.Warningf("closing store: %v", err)
	}
	logger.Infof("stopped")
}
