// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package metrics exposes Prometheus collectors for the orchestration
// plane, grounded on the pack's own Metrics-struct-plus-registerer pattern
// (cklxx-elephant.ai's internal/orchestrator/metrics.go) rather than the
// promauto package-level globals, so each process constructs its own
// registry instead of racing on prometheus.DefaultRegisterer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the orchestration plane's Prometheus collector set, scraped
// at GET /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	jobDuration    *prometheus.HistogramVec
	jobFailures    *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	deadLetterSize prometheus.Gauge
}

// New constructs a Metrics bound to a fresh registry, so tests can build as
// many instances as they like without "duplicate metrics collector
// registration" panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ottobot",
			Subsystem: "lifecycle",
			Name:      "job_duration_seconds",
			Help:      "Duration of a lifecycle job handler, by kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "status"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ottobot",
			Subsystem: "lifecycle",
			Name:      "job_failures_total",
			Help:      "Total lifecycle job handler failures, by kind.",
		}, []string{"kind"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ottobot",
			Subsystem: "registry",
			Name:      "sessions_active",
			Help:      "Number of non-terminated sessions.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ottobot",
			Subsystem: "queue",
			Name:      "ready_depth",
			Help:      "Ready-list depth per priority band.",
		}, []string{"priority"}),
		deadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ottobot",
			Subsystem: "queue",
			Name:      "dead_letter_size",
			Help:      "Number of jobs in the dead-letter set.",
		}),
	}

	for _, c := range []prometheus.Collector{m.jobDuration, m.jobFailures, m.sessionsActive, m.queueDepth, m.deadLetterSize} {
		reg.MustRegister(c)
	}
	return m
}

// ObserveJob records a lifecycle job handler's duration and outcome.
func (m *Metrics) ObserveJob(kind string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.jobFailures.WithLabelValues(kind).Inc()
	}
	m.jobDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

// SetSessionsActive reports the current active-session gauge.
func (m *Metrics) SetSessionsActive(n float64) { m.sessionsActive.Set(n) }

// SetQueueDepth reports a priority band's ready-list depth.
func (m *Metrics) SetQueueDepth(priority string, n float64) { m.queueDepth.WithLabelValues(priority).Set(n) }

// SetDeadLetterSize reports the dead-letter set's current size.
func (m *Metrics) SetDeadLetterSize(n float64) { m.deadLetterSize.Set(n) }
