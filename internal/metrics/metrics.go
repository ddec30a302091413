// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics holds the prometheus collector for the feed daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/keyfeed/core/change"
)

const metricsNamespace = "keyfeed"

// Collector is a prometheus.Collector that collects metrics about change
// detection and delivery.
type Collector struct {
	connectionCount    prometheus.Gauge
	connectionDuration prometheus.Histogram
	eventsDetected     *prometheus.CounterVec
	deliveries         prometheus.Counter
	drops              prometheus.Counter
	scanErrors         prometheus.Counter
	authFailures       *prometheus.CounterVec
	snapshotDuration   prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		connectionCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connection_count",
				Help:      "The number of connected viewers.",
			},
		),
		connectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "connection_duration_seconds",
				Help:      "How long viewers stay connected.",
				Buckets:   []float64{1, 10, 60, 300, 600, 3600},
			},
		),
		eventsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_detected_total",
				Help:      "The number of change events detected in the store.",
			}, []string{"cause"},
		),
		deliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "The number of change events queued for viewers.",
			},
		),
		drops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "drops_total",
				Help:      "The number of change events dropped for slow viewers.",
			},
		),
		scanErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "scan_errors_total",
				Help:      "The number of failed pattern scans.",
			},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "authentication_failures_total",
				Help:      "The number of rejected connection attempts.",
			}, []string{"reason"},
		),
		snapshotDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "snapshot_duration_seconds",
				Help:      "The time taken to build a key snapshot.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}
}

// EventDetected counts an event produced by the change source.
func (c *Collector) EventDetected(cause change.Cause) {
	c.eventsDetected.WithLabelValues(string(cause)).Inc()
}

// ScanFailed counts a pattern scan that did not complete.
func (c *Collector) ScanFailed() {
	c.scanErrors.Inc()
}

// Delivered counts an event queued for one connection.
func (c *Collector) Delivered() {
	c.deliveries.Inc()
}

// Dropped counts an event discarded for one connection.
func (c *Collector) Dropped() {
	c.drops.Inc()
}

// ConnectionOpened records a new viewer.
func (c *Collector) ConnectionOpened() {
	c.connectionCount.Inc()
}

// ConnectionClosed records a viewer leaving after d.
func (c *Collector) ConnectionClosed(d time.Duration) {
	c.connectionCount.Dec()
	c.connectionDuration.Observe(d.Seconds())
}

// AuthFailed counts a rejected connection attempt.
func (c *Collector) AuthFailed(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// SnapshotBuilt records how long a snapshot took.
func (c *Collector) SnapshotBuilt(d time.Duration) {
	c.snapshotDuration.Observe(d.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connectionCount.Describe(ch)
	c.connectionDuration.Describe(ch)
	c.eventsDetected.Describe(ch)
	c.deliveries.Describe(ch)
	c.drops.Describe(ch)
	c.scanErrors.Describe(ch)
	c.authFailures.Describe(ch)
	c.snapshotDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connectionCount.Collect(ch)
	c.connectionDuration.Collect(ch)
	c.eventsDetected.Collect(ch)
	c.deliveries.Collect(ch)
	c.drops.Collect(ch)
	c.scanErrors.Collect(ch)
	c.authFailures.Collect(ch)
	c.snapshotDuration.Collect(ch)
}
