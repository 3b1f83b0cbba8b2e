// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes scheduler counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/recovery"
)

// Manager owns the registry and the scheduler lifecycle counters. It
// implements recovery.Events.
type Manager struct {
	registry *prometheus.Registry

	submissions prometheus.Counter
	completions prometheus.Counter
	evictions   *prometheus.CounterVec
	reaped      prometheus.Counter
}

func NewManager(svc *recovery.Service) *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_submissions_total",
			Help: "Candidates submitted to the cache provider",
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_completions_total",
			Help: "Downloads that finished and refreshed the catalog",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetcharr_evictions_total",
			Help: "Tracked downloads evicted before completion",
		}, []string{"reason"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_reaped_total",
			Help: "Untracked provider jobs deleted by the reaper",
		}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		m.submissions,
		m.completions,
		m.evictions,
		m.reaped,
		newSchedulerCollector(svc),
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) Submission() {
	m.submissions.Inc()
}

func (m *Manager) Completion() {
	m.completions.Inc()
}

func (m *Manager) Eviction(reason string) {
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Manager) Reaped() {
	m.reaped.Inc()
}

// schedulerCollector samples the recovery service's live state on scrape.
type schedulerCollector struct {
	svc *recovery.Service

	active   *prometheus.Desc
	capacity *prometheus.Desc
	trackers *prometheus.Desc
}

func newSchedulerCollector(svc *recovery.Service) *schedulerCollector {
	return &schedulerCollector{
		svc: svc,
		active: prometheus.NewDesc(
			"fetcharr_downloads_active",
			"Provider downloads currently occupying a slot",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			"fetcharr_downloads_max",
			"Configured cap on simultaneous downloads",
			nil, nil,
		),
		trackers: prometheus.NewDesc(
			"fetcharr_trackers",
			"Tracked items by phase",
			[]string{"phase"}, nil,
		),
	}
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.capacity
	ch <- c.trackers
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	active, capacity := c.svc.ActiveCount()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(active))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(capacity))

	counts := c.svc.PhaseCounts()
	for _, phase := range []models.Phase{models.PhaseRetrying, models.PhaseManual, models.PhaseExhausted, models.PhaseCompleted} {
		ch <- prometheus.MustNewConstMetric(c.trackers, prometheus.GaugeValue, float64(counts[phase]), string(phase))
	}
}
