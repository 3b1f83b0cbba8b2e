// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package recovery implements the retry state machine and the download
// slot scheduler that drive failed catalog items back to availability.
package recovery

import (
	"time"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/debrid"
	"github.com/fetcharr/fetcharr/internal/domain"
)

// activeDownload is the runtime view of one in-flight provider job, bound
// to exactly one tracker.
type activeDownload struct {
	torrentID   string
	key         catalog.ItemKey
	infohash    string
	filename    string
	submittedAt time.Time

	status   debrid.Status
	progress float64
	seeders  *int

	// selected is set once the provider's file-selection step has been
	// confirmed, so it is not re-issued every poll.
	selected bool

	// pollFailures counts consecutive transient poll errors. Crossing the
	// bound classifies the job dead, never completed.
	pollFailures int
}

// settings is the service configuration resolved to concrete durations,
// with zero values replaced by defaults.
type settings struct {
	problemStates []string

	checkInterval time.Duration
	pollInterval  time.Duration
	reapInterval  time.Duration

	retryInterval    time.Duration
	maxRetries       int
	skipCatalogRetry bool

	maxCandidates int
	maxActive     int
	submitDelay   time.Duration

	maxWait time.Duration
	stuck   time.Duration
}

const (
	// stallProgressPct is the progress floor below which a long-running
	// download counts as stalled.
	stallProgressPct = 10.0

	// maxPollFailures bounds consecutive transient poll errors before a
	// job is written off as dead.
	maxPollFailures = 3

	// untrackedSelectionGrace is how long an untracked job may sit in
	// file selection before the reaper deletes it.
	untrackedSelectionGrace = time.Hour

	// providerListLimit caps the reaper's full-list query.
	providerListLimit = 2500

	// problemItemsLimit caps one retry pass's catalog query.
	problemItemsLimit = 1000
)

func settingsFromConfig(cfg *domain.Config) settings {
	s := settings{
		problemStates:    cfg.ProblemStates,
		checkInterval:    hours(cfg.CheckIntervalHours, 6*time.Hour),
		pollInterval:     minutes(cfg.ProviderPollIntervalMinutes, 5*time.Minute),
		reapInterval:     hours(cfg.ReaperIntervalHours, time.Hour),
		retryInterval:    minutes(cfg.RetryIntervalMinutes, 10*time.Minute),
		maxRetries:       cfg.MaxRetries,
		skipCatalogRetry: cfg.SkipCatalogRetry,
		maxCandidates:    cfg.MaxCandidates,
		maxActive:        cfg.MaxActiveDownloads,
		submitDelay:      time.Duration(cfg.SubmitDelaySeconds) * time.Second,
		maxWait:          hours(cfg.MaxWaitHours, 2*time.Hour),
		stuck:            hours(cfg.StuckHours, 24*time.Hour),
	}
	if len(s.problemStates) == 0 {
		s.problemStates = []string{"Failed", "Unknown"}
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if s.maxCandidates <= 0 {
		s.maxCandidates = 10
	}
	if s.maxActive <= 0 {
		s.maxActive = 3
	}
	if s.submitDelay <= 0 {
		s.submitDelay = 30 * time.Second
	}
	return s
}

func hours(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Hour))
}

func minutes(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Minute))
}
