// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/debrid"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/models"
)

// CatalogAPI is the slice of the catalog client the service consumes.
type CatalogAPI interface {
	ListProblemItems(ctx context.Context, states []string, limit int) ([]catalog.Item, error)
	RetryItem(ctx context.Context, id string) error
	RemoveItem(ctx context.Context, id string) error
	AddItem(ctx context.Context, ids catalog.ExternalIDs, kind catalog.Kind) error
	Scrape(ctx context.Context, ids catalog.ExternalIDs, kind catalog.Kind) ([]catalog.Candidate, error)
	FindItemByExternalIDs(ctx context.Context, states []string, ids catalog.ExternalIDs) (*catalog.Item, error)
}

// ProviderAPI is the slice of the cache-provider client the service consumes.
type ProviderAPI interface {
	List(ctx context.Context, limit int) ([]debrid.Torrent, error)
	Info(ctx context.Context, torrentID string) (*debrid.Torrent, error)
	AddMagnet(ctx context.Context, infohash string) (string, error)
	SelectFiles(ctx context.Context, torrentID, files string) error
	Delete(ctx context.Context, torrentID string) error
	ActiveCount(ctx context.Context) (debrid.ActiveCount, error)
}

// Events receives scheduler lifecycle notifications, typically for metrics.
type Events interface {
	Submission()
	Completion()
	Eviction(reason string)
	Reaped()
}

// Service owns the tracker store and the active-slot set. All mutation of
// either happens under mu; network calls never hold it. Submission and
// reaping additionally serialize on schedMu so a reclaimed slot cannot be
// double-counted as free.
type Service struct {
	cfg      settings
	catalog  CatalogAPI
	provider ProviderAPI

	trackerStore  *models.TrackerStore
	downloadStore *models.DownloadStore

	events Events

	mu           sync.Mutex
	trackers     map[string]*models.Tracker
	order        []string
	active       map[string]*activeDownload
	byItem       map[string]string
	lastAssigned map[string]time.Time

	schedMu sync.Mutex

	checkNow chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the recovery service.
func New(cfg *domain.Config, cat CatalogAPI, prov ProviderAPI, trackers *models.TrackerStore, downloads *models.DownloadStore) *Service {
	return &Service{
		cfg:           settingsFromConfig(cfg),
		catalog:       cat,
		provider:      prov,
		trackerStore:  trackers,
		downloadStore: downloads,
		trackers:      make(map[string]*models.Tracker),
		active:        make(map[string]*activeDownload),
		byItem:        make(map[string]string),
		lastAssigned:  make(map[string]time.Time),
		checkNow:      make(chan struct{}, 1),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// SetEvents registers a lifecycle listener. Must be called before Run.
func (s *Service) SetEvents(events Events) {
	s.events = events
}

// Run loads persisted state, reconciles it against the provider, and drives
// the three periodic loops until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.checkLoop(ctx) })
	g.Go(func() error { return s.monitorLoop(ctx) })
	g.Go(func() error { return s.reaperLoop(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	log.Info().Msg("recovery service stopped")
	return err
}

// TriggerCheck requests an immediate retry pass. Non-blocking; a pending
// request coalesces with an already queued one.
func (s *Service) TriggerCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

func (s *Service) checkLoop(ctx context.Context) error {
	// First pass runs immediately on startup.
	s.runCheck(ctx)

	ticker := time.NewTicker(s.cfg.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCheck(ctx)
		case <-s.checkNow:
			s.runCheck(ctx)
		}
	}
}

func (s *Service) runCheck(ctx context.Context) {
	if err := s.checkPass(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("retry pass failed")
	}
	s.schedulePass(ctx)
}

func (s *Service) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			freed := s.monitorPass(ctx)
			if freed {
				s.schedulePass(ctx)
			}
		}
	}
}

func (s *Service) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			freed := s.reapPass(ctx)
			if freed {
				s.schedulePass(ctx)
			}
		}
	}
}

// reconcile loads persisted trackers and downloads and checks every
// persisted download against the provider's live list. Jobs that no longer
// exist are dead: their slot is freed rather than carried as a phantom.
func (s *Service) reconcile(ctx context.Context) error {
	trackers, err := s.trackerStore.List(ctx)
	if err != nil {
		return err
	}
	downloads, err := s.downloadStore.List(ctx)
	if err != nil {
		return err
	}

	var live map[string]debrid.Torrent
	if len(downloads) > 0 {
		torrents, err := s.provider.List(ctx, providerListLimit)
		if err != nil {
			return err
		}
		live = make(map[string]debrid.Torrent, len(torrents))
		for _, t := range torrents {
			live[t.ID] = t
		}
	}

	s.mu.Lock()
	for _, t := range trackers {
		key := t.Key.String()
		s.trackers[key] = t
		s.order = append(s.order, key)
	}
	s.mu.Unlock()

	var orphaned []string
	for _, d := range downloads {
		t, ok := live[d.TorrentID]
		if !ok {
			orphaned = append(orphaned, d.TorrentID)
			log.Info().
				Str("torrentID", d.TorrentID).
				Str("item", d.Key.String()).
				Msg("persisted download no longer on provider, freeing slot")
			continue
		}
		s.mu.Lock()
		s.active[d.TorrentID] = &activeDownload{
			torrentID:   d.TorrentID,
			key:         d.Key,
			infohash:    d.InfoHash,
			filename:    t.Filename,
			submittedAt: d.SubmittedAt,
			status:      t.Status,
			progress:    t.Progress,
			seeders:     t.Seeders,
			selected:    !t.Status.WaitingSelection(),
		}
		s.byItem[d.Key.String()] = d.TorrentID
		s.mu.Unlock()
	}

	for _, id := range orphaned {
		if err := s.downloadStore.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("torrentID", id).Msg("failed to drop orphaned download row")
		}
	}

	s.mu.Lock()
	tracked, activeCount := len(s.trackers), len(s.active)
	s.mu.Unlock()
	log.Info().
		Int("trackers", tracked).
		Int("activeDownloads", activeCount).
		Int("orphaned", len(orphaned)).
		Msg("reconciled persisted state with provider")
	return nil
}

// Snapshot is a point-in-time view of the scheduler state for the API.
type Snapshot struct {
	Trackers        []models.Tracker   `json:"trackers"`
	Downloads       []DownloadSnapshot `json:"downloads"`
	ActiveDownloads int                `json:"activeDownloads"`
	MaxActive       int                `json:"maxActive"`
}

// DownloadSnapshot is the API view of one active download.
type DownloadSnapshot struct {
	TorrentID   string    `json:"torrentId"`
	Item        string    `json:"item"`
	InfoHash    string    `json:"infohash"`
	Filename    string    `json:"filename"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	Seeders     *int      `json:"seeders,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Snapshot returns a copy of the current trackers and active downloads.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ActiveDownloads: len(s.active),
		MaxActive:       s.cfg.maxActive,
	}
	for _, key := range s.order {
		if t, ok := s.trackers[key]; ok {
			snap.Trackers = append(snap.Trackers, *t)
		}
	}
	for _, d := range s.active {
		snap.Downloads = append(snap.Downloads, DownloadSnapshot{
			TorrentID:   d.torrentID,
			Item:        d.key.String(),
			InfoHash:    d.infohash,
			Filename:    d.filename,
			Status:      string(d.status),
			Progress:    d.progress,
			Seeders:     d.seeders,
			SubmittedAt: d.submittedAt,
		})
	}
	return snap
}

// PhaseCounts returns the number of unprocessed trackers per phase, for
// metrics collection.
func (s *Service) PhaseCounts() map[models.Phase]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.Phase]int)
	for _, t := range s.trackers {
		counts[t.Phase]++
	}
	return counts
}

// ActiveCount returns the current number of occupied slots and the cap.
func (s *Service) ActiveCount() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), s.cfg.maxActive
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
