// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver serves the change feed over websockets, along with the
// health, introspection and metrics endpoints.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/keyfeed/internal/auth"
	"github.com/juju/keyfeed/internal/registry"
)

var logger = loggo.GetLogger("keyfeed.apiserver")

const (
	// DefaultPingPeriod is how often the server pings each viewer.
	DefaultPingPeriod = 30 * time.Second

	// DefaultWriteWait is the deadline for a single websocket write.
	DefaultWriteWait = 10 * time.Second

	// DefaultSubscribeRate is how many subscribe messages per second a
	// viewer may send.
	DefaultSubscribeRate = 5

	// maxMessageSize bounds inbound websocket messages.
	maxMessageSize = 64 * 1024
)

// Authenticator verifies the identity behind a request.
type Authenticator interface {
	Authenticate(*http.Request) (auth.Identity, error)
}

// SnapshotBuilder lists the keys matched by a set of patterns.
type SnapshotBuilder interface {
	Build(ctx context.Context, patterns []string) ([]string, error)
}

// Reporter is anything that can describe itself for /debug/report.
type Reporter interface {
	Report() map[string]interface{}
}

// Metrics records connection level events.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed(time.Duration)
	AuthFailed(reason string)
}

// Config holds what the server needs.
type Config struct {
	Registry      *registry.Registry
	Snapshots     SnapshotBuilder
	Authenticator Authenticator
	Scopes        auth.ScopeResolver
	Hub           *pubsub.SimpleHub

	// Reporters are included by name in /debug/report.
	Reporters map[string]Reporter

	// Gatherer is served on /metrics. If nil the endpoint is not routed.
	Gatherer prometheus.Gatherer
	Metrics  Metrics

	// Abort is closed to end every open feed.
	Abort <-chan struct{}

	Clock          clock.Clock
	OutboundBuffer int
	SubscribeRate  int
	PingPeriod     time.Duration
	WriteWait      time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Snapshots == nil {
		return errors.NotValidf("nil Snapshots")
	}
	if config.Authenticator == nil {
		return errors.NotValidf("nil Authenticator")
	}
	if config.Scopes == nil {
		return errors.NotValidf("nil Scopes")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Abort == nil {
		return errors.NotValidf("nil Abort")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.OutboundBuffer < 0 {
		return errors.NotValidf("negative OutboundBuffer")
	}
	if config.SubscribeRate < 0 {
		return errors.NotValidf("negative SubscribeRate")
	}
	if config.PingPeriod < 0 {
		return errors.NotValidf("negative PingPeriod")
	}
	if config.WriteWait < 0 {
		return errors.NotValidf("negative WriteWait")
	}
	return nil
}

// Server is the HTTP handler for every route the daemon serves.
type Server struct {
	config  Config
	router  *mux.Router
	tracker *sourceTracker
}

// NewServer returns a Server for the given config. Close must be called
// when it is no longer needed.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	if config.SubscribeRate == 0 {
		config.SubscribeRate = DefaultSubscribeRate
	}
	if config.PingPeriod == 0 {
		config.PingPeriod = DefaultPingPeriod
	}
	if config.WriteWait == 0 {
		config.WriteWait = DefaultWriteWait
	}

	s := &Server{
		config:  config,
		tracker: newSourceTracker(config.Hub),
	}
	router := mux.NewRouter()
	router.Handle("/feed", &feedHandler{server: s}).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	router.HandleFunc("/debug/report", s.serveReport).Methods(http.MethodGet)
	if config.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = router
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// Close releases the server's hub subscription.
func (s *Server) Close() {
	s.tracker.stop()
}

func (s *Server) serveHealth(w http.ResponseWriter, req *http.Request) {
	resp, healthy := s.tracker.health(s.config.Registry.Len())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) serveReport(w http.ResponseWriter, req *http.Request) {
	report := map[string]interface{}{
		"registry": s.config.Registry.Report(),
	}
	for name, r := range s.config.Reporters {
		report[name] = r.Report()
	}
	writeJSON(w, http.StatusOK, report)
}

// authorize authenticates the request and resolves its scope. On failure
// it writes the HTTP error and returns false.
func (s *Server) authorize(w http.ResponseWriter, req *http.Request) (auth.Identity, set.Strings, bool) {
	identity, err := s.config.Authenticator.Authenticate(req)
	if err != nil {
		reason := "invalid-token"
		if errors.Is(err, auth.ErrNoToken) {
			reason = "no-token"
		}
		s.config.Metrics.AuthFailed(reason)
		logger.Debugf("rejecting %s from %s: %v", req.URL.Path, req.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, nil, false
	}
	scope, err := s.config.Scopes.Scope(identity)
	if errors.IsNotFound(err) {
		s.config.Metrics.AuthFailed("unknown-identity")
		logger.Infof("no scope configured for %q", identity.Subject)
		http.Error(w, "forbidden", http.StatusForbidden)
		return auth.Identity{}, nil, false
	} else if err != nil {
		logger.Errorf("resolving scope for %q: %v", identity.Subject, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return auth.Identity{}, nil, false
	}
	return identity, scope, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()              {}
func (noopMetrics) ConnectionClosed(time.Duration) {}
func (noopMetrics) AuthFailed(string)              {}
