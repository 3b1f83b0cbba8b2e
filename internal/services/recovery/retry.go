// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/models"
)

// trackerIdentity resolves the tracking identity for a problem item.
// Seasons and episodes are retried through their parent show, which has no
// catalog id of its own, so they collapse onto a synthetic parent key.
func trackerIdentity(item catalog.Item) (key catalog.ItemKey, kind catalog.Kind, ids catalog.ExternalIDs, title string, ok bool) {
	if item.Kind.IsLeaf() {
		parent := item.ParentShowIDs()
		if parent.Empty() {
			return catalog.ItemKey{}, "", catalog.ExternalIDs{}, "", false
		}
		title = item.ParentTitle
		if title == "" {
			title = item.DisplayName()
		}
		return catalog.SyntheticParentKey(parent.TMDB, parent.TVDB), catalog.KindShow, parent, title, true
	}
	if item.ID == "" {
		return catalog.ItemKey{}, "", catalog.ExternalIDs{}, "", false
	}
	return catalog.RealKey(item.ID), item.Kind, item.IDs, item.Title, true
}

// checkPass is one Retry Engine iteration: refresh the tracker set from the
// catalog's problem items, then advance every unprocessed tracker through
// catalog retries toward the manual-scrape phase.
func (s *Service) checkPass(ctx context.Context) error {
	items, err := s.catalog.ListProblemItems(ctx, s.cfg.problemStates, problemItemsLimit)
	if err != nil {
		return errors.Wrap(err, "list problem items")
	}

	now := s.now()
	observed := make(map[string]struct{}, len(items))

	for _, item := range items {
		if !item.Released(now) {
			log.Debug().Str("item", item.DisplayName()).Msg("not yet released, skipping")
			continue
		}

		key, kind, ids, title, ok := trackerIdentity(item)
		if !ok {
			log.Warn().Str("item", item.DisplayName()).Msg("item has no usable identity, skipping")
			continue
		}
		if _, seen := observed[key.String()]; seen {
			continue
		}
		observed[key.String()] = struct{}{}

		s.mu.Lock()
		tracker, exists := s.trackers[key.String()]
		if !exists {
			tracker = &models.Tracker{
				Key:   key,
				Kind:  kind,
				Title: title,
				IDs:   ids,
				Phase: models.PhaseRetrying,
			}
			s.trackers[key.String()] = tracker
			s.order = append(s.order, key.String())
			if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
				log.Error().Err(err).Str("item", key.String()).Msg("failed to persist new tracker")
			}
			log.Info().
				Str("item", tracker.DisplayName()).
				Str("key", key.String()).
				Bool("synthetic", key.Synthetic()).
				Msg("tracking problem item")
		}
		s.mu.Unlock()
	}

	s.pruneResolved(ctx, observed)

	// Advance trackers outside the store refresh. Network calls happen per
	// tracker; the lock is only held to apply resulting state.
	for _, tracker := range s.retryable(observed) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.advanceTracker(ctx, tracker)
	}
	return nil
}

// pruneResolved drops trackers whose item is no longer in the problem set.
// The catalog resolved them some other way (or completion stuck); either
// way there is nothing left to do. Trackers with an in-flight download are
// kept until the monitor settles the download.
func (s *Service) pruneResolved(ctx context.Context, observed map[string]struct{}) {
	s.mu.Lock()
	var drop []string
	for key := range s.trackers {
		if _, ok := observed[key]; ok {
			continue
		}
		if _, busy := s.byItem[key]; busy {
			continue
		}
		drop = append(drop, key)
	}
	for _, key := range drop {
		tracker := s.trackers[key]
		delete(s.trackers, key)
		delete(s.lastAssigned, key)
		s.order = removeString(s.order, key)
		log.Info().
			Str("item", tracker.DisplayName()).
			Str("phase", string(tracker.Phase)).
			Msg("item left problem set, dropping tracker")
	}
	s.mu.Unlock()

	for _, key := range drop {
		k, err := catalog.ParseItemKey(key)
		if err != nil {
			continue
		}
		if err := s.trackerStore.Delete(ctx, k); err != nil && !errors.Is(err, models.ErrTrackerNotFound) {
			log.Warn().Err(err).Str("item", key).Msg("failed to delete resolved tracker")
		}
	}
}

// retryable snapshots the trackers eligible for a retry step this pass.
func (s *Service) retryable(observed map[string]struct{}) []*models.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Tracker
	for _, key := range s.order {
		tracker, ok := s.trackers[key]
		if !ok || tracker.Processed {
			continue
		}
		if _, ok := observed[key]; !ok {
			continue
		}
		if tracker.Phase == models.PhaseRetrying {
			out = append(out, tracker)
		}
	}
	return out
}

// advanceTracker performs one retry step for a tracker in the retrying
// phase: either a catalog remove+re-add (add only for synthetic parents),
// or the transition to manual scraping once retries are spent.
func (s *Service) advanceTracker(ctx context.Context, tracker *models.Tracker) {
	s.mu.Lock()
	retryCount := tracker.RetryCount
	lastRetry := tracker.LastRetryAt
	key := tracker.Key
	ids := tracker.IDs
	kind := tracker.Kind
	s.mu.Unlock()

	if s.cfg.skipCatalogRetry || retryCount >= s.cfg.maxRetries {
		s.enterManual(ctx, tracker)
		return
	}

	// Within the retry interval this is an idempotent no-op.
	if lastRetry != nil && s.now().Sub(*lastRetry) < s.cfg.retryInterval {
		return
	}

	if realID, isReal := key.RealID(); isReal {
		if err := s.catalog.RemoveItem(ctx, realID); err != nil && !errors.Is(err, catalog.ErrUnknownItem) {
			log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("catalog removal failed, will retry next pass")
			return
		}
	}
	if err := s.catalog.AddItem(ctx, ids, kind); err != nil {
		log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("catalog re-add failed, will retry next pass")
		return
	}

	s.mu.Lock()
	tracker.RetryCount++
	now := s.now()
	tracker.LastRetryAt = &now
	reached := tracker.RetryCount >= s.cfg.maxRetries
	count := tracker.RetryCount
	if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
		log.Error().Err(err).Str("item", key.String()).Msg("failed to persist tracker retry")
	}
	s.mu.Unlock()

	log.Info().
		Str("item", tracker.DisplayName()).
		Int("retryCount", count).
		Int("maxRetries", s.cfg.maxRetries).
		Msg("re-added item in catalog")

	if reached {
		s.enterManual(ctx, tracker)
	}
}

// enterManual transitions a tracker to the manual-scrape phase: fetch
// ranked candidates and queue them for the slot scheduler. A scrape that
// yields nothing exhausts the tracker immediately.
func (s *Service) enterManual(ctx context.Context, tracker *models.Tracker) {
	s.mu.Lock()
	ids := tracker.IDs
	kind := tracker.Kind
	if tracker.Key.Synthetic() {
		ids = tracker.Key.ParentIDs()
		kind = catalog.KindShow
	}
	s.mu.Unlock()

	candidates, err := s.catalog.Scrape(ctx, ids, kind)
	if err != nil {
		log.Warn().Err(err).Str("item", tracker.DisplayName()).Msg("manual scrape failed, will retry next pass")
		return
	}
	if len(candidates) > s.cfg.maxCandidates {
		candidates = candidates[:s.cfg.maxCandidates]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tracker.Candidates = candidates
	tracker.NextCandidate = 0
	if len(candidates) == 0 {
		tracker.Phase = models.PhaseExhausted
		tracker.Processed = true
		log.Warn().Str("item", tracker.DisplayName()).Msg("manual scrape found no candidates, giving up")
	} else {
		tracker.Phase = models.PhaseManual
		log.Info().
			Str("item", tracker.DisplayName()).
			Int("candidates", len(candidates)).
			Msg("entering manual scrape phase")
	}
	if err := s.trackerStore.Upsert(ctx, tracker); err != nil {
		log.Error().Err(err).Str("item", tracker.Key.String()).Msg("failed to persist manual transition")
	}
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
