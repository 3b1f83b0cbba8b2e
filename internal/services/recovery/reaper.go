// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/debrid"
)

// reapPass scans the provider's full torrent list, tracked and untracked
// alike, and deletes jobs that are dead or hopelessly stuck. Runs under
// schedMu so a reclaimed slot cannot race the scheduler's submission step.
// Returns true when any capacity was reclaimed.
func (s *Service) reapPass(ctx context.Context) bool {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	torrents, err := s.provider.List(ctx, providerListLimit)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("reaper failed to list provider torrents")
		}
		return false
	}

	now := s.now()
	freed := false
	for _, t := range torrents {
		if ctx.Err() != nil {
			return freed
		}

		s.mu.Lock()
		_, tracked := s.active[t.ID]
		s.mu.Unlock()

		reason := reapReason(t, tracked, now, s.cfg.stuck)
		if reason == "" {
			continue
		}

		log.Info().
			Str("torrentID", t.ID).
			Str("filename", t.Filename).
			Str("status", string(t.Status)).
			Float64("progress", t.Progress).
			Bool("tracked", tracked).
			Str("reason", reason).
			Msg("reaping provider job")

		if tracked {
			if s.evict(ctx, t.ID, reason, true) {
				freed = true
			}
			continue
		}
		if err := s.provider.Delete(ctx, t.ID); err != nil {
			log.Warn().Err(err).Str("torrentID", t.ID).Msg("failed to delete reaped job")
			continue
		}
		freed = true
		if s.events != nil {
			s.events.Reaped()
		}
	}

	if count, err := s.provider.ActiveCount(ctx); err == nil {
		log.Info().
			Int("providerActive", count.Count).
			Int("providerLimit", count.Limit).
			Int("cap", s.cfg.maxActive).
			Msg("reaper pass finished")
	}
	return freed
}

// reapReason decides whether a provider job should be reclaimed. Untracked
// jobs get a stricter treatment since nothing else will ever clean them up.
func reapReason(t debrid.Torrent, tracked bool, now time.Time, stuck time.Duration) string {
	if t.Status.Complete() {
		return ""
	}

	if !tracked && (t.Status.Failed() || t.Status.Dead()) {
		return "failed"
	}

	var age time.Duration
	if !t.Added.IsZero() {
		age = now.Sub(t.Added)
	}

	if !tracked && t.Status.WaitingSelection() && age > untrackedSelectionGrace {
		return "abandoned_selection"
	}
	if age > stuck && t.Progress < stallProgressPct {
		return "stuck"
	}
	return ""
}
