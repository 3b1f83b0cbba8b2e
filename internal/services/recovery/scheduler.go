// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/debrid"
	"github.com/fetcharr/fetcharr/internal/models"
)

// schedulePass fills free download slots. It never exceeds the configured
// cap, and it hands slots to the longest-waiting eligible item rather than
// the best-ranked candidate, so no single item can monopolize capacity.
// Serialized against the reaper via schedMu.
func (s *Service) schedulePass(ctx context.Context) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	submitted := 0
	for ctx.Err() == nil {
		s.mu.Lock()
		free := s.cfg.maxActive - len(s.active)
		var tracker *models.Tracker
		if free > 0 {
			tracker = s.nextEligibleLocked()
		}
		s.mu.Unlock()

		if free <= 0 || tracker == nil {
			return
		}

		// Space successive submissions out; the provider dislikes bursts.
		if submitted > 0 {
			if err := s.sleep(ctx, s.cfg.submitDelay); err != nil {
				return
			}
		}
		ok, retryLater := s.submitNext(ctx, tracker)
		if ok {
			submitted++
		}
		// A transient provider failure ends the pass: the candidate was
		// returned to the queue and the item keeps its fairness position,
		// so retrying now would just hammer the provider with the same
		// submission.
		if retryLater {
			return
		}
	}
}

// nextEligibleLocked picks the manual-phase tracker that has waited longest
// since its last slot assignment, ties broken by insertion order. Returns
// nil when nothing is eligible. Caller holds mu.
func (s *Service) nextEligibleLocked() *models.Tracker {
	var (
		best     *models.Tracker
		bestTime time.Time
	)
	for _, key := range s.order {
		tracker, ok := s.trackers[key]
		if !ok || tracker.Processed || tracker.Phase != models.PhaseManual {
			continue
		}
		if _, busy := s.byItem[key]; busy {
			continue
		}
		if tracker.Remaining() == 0 {
			s.exhaustLocked(tracker)
			continue
		}
		assigned := s.lastAssigned[key]
		if best == nil || assigned.Before(bestTime) {
			best = tracker
			bestTime = assigned
		}
	}
	return best
}

// submitNext submits the tracker's next candidates until one is accepted or
// the queue drains. Rejected candidates are discarded on the spot; a
// transient provider failure returns the candidate to the queue and sets
// retryLater, leaving it for the next pass.
func (s *Service) submitNext(ctx context.Context, tracker *models.Tracker) (ok, retryLater bool) {
	for ctx.Err() == nil {
		s.mu.Lock()
		if tracker.Processed || tracker.Remaining() == 0 {
			s.exhaustLocked(tracker)
			if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
				log.Error().Err(err).Str("item", tracker.Key.String()).Msg("failed to persist tracker")
			}
			s.mu.Unlock()
			return false, false
		}
		candidate := tracker.Candidates[tracker.NextCandidate]
		tracker.NextCandidate++
		attempt := tracker.NextCandidate
		total := len(tracker.Candidates)
		if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
			log.Error().Err(err).Str("item", tracker.Key.String()).Msg("failed to persist candidate consumption")
		}
		s.mu.Unlock()

		log.Info().
			Str("item", tracker.DisplayName()).
			Str("infohash", candidate.InfoHash).
			Int("attempt", attempt).
			Int("candidates", total).
			Int("rank", candidate.Rank).
			Msg("submitting candidate to provider")

		torrentID, err := s.provider.AddMagnet(ctx, candidate.InfoHash)
		if err != nil {
			if candidateFatal(err) {
				log.Warn().Err(err).
					Str("item", tracker.DisplayName()).
					Str("infohash", candidate.InfoHash).
					Msg("provider rejected candidate, trying next")
				continue
			}
			// Transient: un-consume the candidate and give up this pass.
			s.mu.Lock()
			if tracker.NextCandidate > 0 {
				tracker.NextCandidate--
			}
			if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
				log.Error().Err(err).Str("item", tracker.Key.String()).Msg("failed to persist tracker")
			}
			s.mu.Unlock()
			log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("provider submission failed, will retry next pass")
			return false, true
		}

		s.bindDownload(ctx, tracker, candidate, torrentID)
		s.startFiles(ctx, torrentID)
		return true, false
	}
	return false, false
}

// bindDownload records the accepted provider job and binds it to the
// tracker, occupying a slot. The provider already holds the job at this
// point, so the binding is persisted under a short grace context that
// survives pass cancellation; otherwise a shutdown mid-pass would leave a
// live provider job with no download row.
func (s *Service) bindDownload(ctx context.Context, tracker *models.Tracker, candidate catalog.Candidate, torrentID string) {
	now := s.now()
	download := &activeDownload{
		torrentID:   torrentID,
		key:         tracker.Key,
		infohash:    candidate.InfoHash,
		filename:    candidate.Title,
		submittedAt: now,
		status:      debrid.StatusMagnetConversion,
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	s.active[torrentID] = download
	s.byItem[tracker.Key.String()] = torrentID
	s.lastAssigned[tracker.Key.String()] = now
	if err := s.downloadStore.Upsert(persistCtx, &models.Download{
		TorrentID:   torrentID,
		Key:         tracker.Key,
		InfoHash:    candidate.InfoHash,
		Filename:    candidate.Title,
		SubmittedAt: now,
	}); err != nil {
		log.Error().Err(err).Str("torrentID", torrentID).Msg("failed to persist download")
	}
	active := len(s.active)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Submission()
	}
	log.Info().
		Str("item", tracker.DisplayName()).
		Str("torrentID", torrentID).
		Int("active", active).
		Int("max", s.cfg.maxActive).
		Msg("provider accepted candidate")
}

// startFiles kicks the provider's file-selection step if the job is already
// waiting for it. Best effort; the monitor re-checks every poll.
func (s *Service) startFiles(ctx context.Context, torrentID string) {
	torrent, err := s.provider.Info(ctx, torrentID)
	if err != nil {
		log.Debug().Err(err).Str("torrentID", torrentID).Msg("post-submit status check failed")
		return
	}

	s.mu.Lock()
	if d, ok := s.active[torrentID]; ok {
		d.status = torrent.Status
		d.progress = torrent.Progress
		d.filename = orDefault(torrent.Filename, d.filename)
	}
	s.mu.Unlock()

	if !torrent.Status.WaitingSelection() {
		return
	}
	if err := s.provider.SelectFiles(ctx, torrentID, "all"); err != nil {
		log.Warn().Err(err).Str("torrentID", torrentID).Msg("file selection failed, monitor will retry")
		return
	}
	s.mu.Lock()
	if d, ok := s.active[torrentID]; ok {
		d.selected = true
	}
	s.mu.Unlock()
}

// exhaustLocked terminally fails a tracker whose candidate queue drained
// without a completion. Caller holds mu.
func (s *Service) exhaustLocked(tracker *models.Tracker) {
	if tracker.Processed {
		return
	}
	tracker.Phase = models.PhaseExhausted
	tracker.Processed = true
	log.Warn().
		Str("item", tracker.DisplayName()).
		Int("attempts", tracker.NextCandidate).
		Msg("all candidates exhausted without completion, giving up")
}

// candidateFatal reports whether a submission error condemns just this
// candidate (policy rejection, malformed hash) rather than the provider.
func candidateFatal(err error) bool {
	if errors.Is(err, debrid.ErrInfringingContent) {
		return true
	}
	var statusErr *debrid.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
	}
	return false
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
