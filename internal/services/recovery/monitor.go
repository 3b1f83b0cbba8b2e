// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/debrid"
	"github.com/fetcharr/fetcharr/internal/models"
)

// monitorPass polls every active download once, applies the resulting
// transition, and reports whether any slot was freed.
func (s *Service) monitorPass(ctx context.Context) bool {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	freed := false
	for _, torrentID := range ids {
		if ctx.Err() != nil {
			return freed
		}
		if s.pollDownload(ctx, torrentID) {
			freed = true
		}
	}
	return freed
}

// pollDownload fetches one job's status and applies the classification.
// Returns true when the poll freed a slot.
func (s *Service) pollDownload(ctx context.Context, torrentID string) bool {
	torrent, err := s.provider.Info(ctx, torrentID)
	if err != nil {
		if errors.Is(err, debrid.ErrTorrentNotFound) {
			// Deleted out from under us. Dead, and nothing left to delete.
			log.Info().Str("torrentID", torrentID).Msg("download vanished from provider, freeing slot")
			return s.evict(ctx, torrentID, "vanished", false)
		}

		s.mu.Lock()
		d, ok := s.active[torrentID]
		var failures int
		if ok {
			d.pollFailures++
			failures = d.pollFailures
		}
		s.mu.Unlock()
		if !ok {
			return false
		}
		if failures >= maxPollFailures {
			log.Warn().Err(err).
				Str("torrentID", torrentID).
				Int("failures", failures).
				Msg("download unreachable after repeated polls, treating as dead")
			return s.evict(ctx, torrentID, "unreachable", true)
		}
		log.Debug().Err(err).Str("torrentID", torrentID).Int("failures", failures).Msg("download poll failed")
		return false
	}

	s.mu.Lock()
	d, ok := s.active[torrentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	d.pollFailures = 0
	d.status = torrent.Status
	d.progress = torrent.Progress
	d.seeders = torrent.Seeders
	d.filename = orDefault(torrent.Filename, d.filename)
	submittedAt := d.submittedAt
	selected := d.selected
	s.mu.Unlock()

	switch v := classify(*torrent, submittedAt, s.now(), s.cfg.maxWait); v {
	case verdictCompleted:
		s.complete(ctx, torrentID)
		return true
	case verdictDead, verdictStalled:
		log.Info().
			Str("torrentID", torrentID).
			Str("status", string(torrent.Status)).
			Float64("progress", torrent.Progress).
			Str("verdict", v.String()).
			Msg("evicting download")
		return s.evict(ctx, torrentID, v.String(), true)
	case verdictSelectFiles:
		if !selected {
			s.selectFiles(ctx, torrentID)
		}
	}
	return false
}

func (s *Service) selectFiles(ctx context.Context, torrentID string) {
	if err := s.provider.SelectFiles(ctx, torrentID, "all"); err != nil {
		log.Warn().Err(err).Str("torrentID", torrentID).Msg("file selection failed, will retry next poll")
		return
	}
	s.mu.Lock()
	if d, ok := s.active[torrentID]; ok {
		d.selected = true
	}
	s.mu.Unlock()
	log.Debug().Str("torrentID", torrentID).Msg("selected all files")
}

// evict removes a dead or stalled download, optionally deleting the
// provider job, and exhausts the tracker if that was its last candidate.
// The freed slot is picked up by the caller's next scheduling pass.
func (s *Service) evict(ctx context.Context, torrentID, reason string, deleteJob bool) bool {
	if deleteJob {
		if err := s.provider.Delete(ctx, torrentID); err != nil {
			log.Warn().Err(err).Str("torrentID", torrentID).Msg("failed to delete provider job")
		}
	}

	s.mu.Lock()
	d, ok := s.active[torrentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.active, torrentID)
	key := d.key.String()
	if s.byItem[key] == torrentID {
		delete(s.byItem, key)
	}
	if tracker, exists := s.trackers[key]; exists && !tracker.Processed && tracker.Remaining() == 0 {
		s.exhaustLocked(tracker)
		if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
			log.Error().Err(err).Str("item", key).Msg("failed to persist exhausted tracker")
		}
	}
	s.mu.Unlock()

	if err := s.downloadStore.Delete(ctx, torrentID); err != nil && !errors.Is(err, models.ErrDownloadNotFound) {
		log.Warn().Err(err).Str("torrentID", torrentID).Msg("failed to delete download row")
	}
	if s.events != nil {
		s.events.Eviction(reason)
	}
	return true
}

// complete applies a finished download: best-effort verification by
// re-scrape, then a catalog refresh so the item picks up the now-cached
// content. Synthetic parents cannot be removed server-side, so they are
// only re-added and retried via an external-id lookup.
func (s *Service) complete(ctx context.Context, torrentID string) {
	s.mu.Lock()
	d, ok := s.active[torrentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	infohash := d.infohash
	key := d.key
	tracker := s.trackers[key.String()]
	s.mu.Unlock()

	if tracker == nil {
		log.Warn().Str("torrentID", torrentID).Str("item", key.String()).Msg("completed download has no tracker")
		s.evict(ctx, torrentID, "untracked_completion", false)
		return
	}

	ids := tracker.IDs
	kind := tracker.Kind
	if key.Synthetic() {
		ids = key.ParentIDs()
		kind = catalog.KindShow
	}

	log.Info().
		Str("item", tracker.DisplayName()).
		Str("torrentID", torrentID).
		Str("infohash", infohash).
		Msg("download completed")

	s.verifyCached(ctx, ids, kind, infohash, tracker.DisplayName())

	if realID, isReal := key.RealID(); isReal {
		if err := s.catalog.RemoveItem(ctx, realID); err != nil && !errors.Is(err, catalog.ErrUnknownItem) {
			log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("catalog removal after completion failed")
		}
		if err := s.catalog.AddItem(ctx, ids, kind); err != nil {
			log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("catalog re-add after completion failed")
		}
	} else {
		if err := s.catalog.AddItem(ctx, ids, kind); err != nil {
			log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("catalog add after completion failed")
		}
		s.retryResolvedParent(ctx, ids, tracker.DisplayName())
	}

	s.mu.Lock()
	tracker.Phase = models.PhaseCompleted
	tracker.Processed = true
	if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
		log.Error().Err(err).Str("item", key.String()).Msg("failed to persist completed tracker")
	}
	delete(s.active, torrentID)
	if s.byItem[key.String()] == torrentID {
		delete(s.byItem, key.String())
	}
	s.mu.Unlock()

	// The provider job stays: deleting it would drop the cached content
	// the catalog is about to pick up.
	if err := s.downloadStore.Delete(ctx, torrentID); err != nil && !errors.Is(err, models.ErrDownloadNotFound) {
		log.Warn().Err(err).Str("torrentID", torrentID).Msg("failed to delete download row")
	}
	if s.events != nil {
		s.events.Completion()
	}
}

// verifyCached re-scrapes the item and checks the completed hash is among
// the current candidates. Purely informational.
func (s *Service) verifyCached(ctx context.Context, ids catalog.ExternalIDs, kind catalog.Kind, infohash, name string) {
	candidates, err := s.catalog.Scrape(ctx, ids, kind)
	if err != nil {
		log.Debug().Err(err).Str("item", name).Msg("post-completion verification scrape failed")
		return
	}
	for _, c := range candidates {
		if c.InfoHash == infohash {
			log.Debug().Str("item", name).Str("infohash", infohash).Bool("cached", c.Cached).Msg("completed hash confirmed in scrape results")
			return
		}
	}
	log.Debug().Str("item", name).Str("infohash", infohash).Msg("completed hash not present in scrape results")
}

// retryResolvedParent finds the re-added parent show by its external ids
// and asks the catalog to retry it. The synthetic key has no catalog id,
// so the lookup is the only way to address it. The lookup is unfiltered:
// a freshly re-added show sits in a healthy state, not a problem one.
func (s *Service) retryResolvedParent(ctx context.Context, ids catalog.ExternalIDs, name string) {
	item, err := s.catalog.FindItemByExternalIDs(ctx, nil, ids)
	if err != nil {
		log.Warn().Err(err).Str("item", name).Msg("parent lookup after completion failed")
		return
	}
	if item == nil {
		log.Debug().Str("item", name).Msg("re-added parent not found in catalog, nothing to retry")
		return
	}
	if err := s.catalog.RetryItem(ctx, item.ID); err != nil {
		log.Warn().Err(err).Str("item", name).Msg("catalog retry after completion failed")
	}
}
