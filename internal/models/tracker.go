// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

var ErrTrackerNotFound = errors.New("tracker not found")

// Phase is the retry state machine position of a tracked item.
type Phase string

const (
	// PhaseRetrying: the item is still being retried through the catalog.
	PhaseRetrying Phase = "retrying"
	// PhaseManual: catalog retries are exhausted; candidates are scraped
	// and scheduled on the cache provider.
	PhaseManual Phase = "manual"
	// PhaseExhausted: every candidate died without a completion. Terminal.
	PhaseExhausted Phase = "exhausted"
	// PhaseCompleted: a candidate finished and the catalog was refreshed.
	// Terminal.
	PhaseCompleted Phase = "completed"
)

// Terminal reports whether the phase ends processing for the item.
func (p Phase) Terminal() bool {
	return p == PhaseExhausted || p == PhaseCompleted
}

// Tracker is the per-item retry state. One exists for every catalog item
// (or synthetic parent show) currently being worked on.
type Tracker struct {
	Key           catalog.ItemKey     `json:"key"`
	Kind          catalog.Kind        `json:"kind"`
	Title         string              `json:"title"`
	IDs           catalog.ExternalIDs `json:"ids"`
	Phase         Phase               `json:"phase"`
	RetryCount    int                 `json:"retryCount"`
	LastRetryAt   *time.Time          `json:"lastRetryAt,omitempty"`
	Candidates    []catalog.Candidate `json:"candidates"`
	NextCandidate int                 `json:"nextCandidate"`
	Processed     bool                `json:"processed"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Remaining returns how many candidates have not been attempted yet.
func (t *Tracker) Remaining() int {
	if t.NextCandidate >= len(t.Candidates) {
		return 0
	}
	return len(t.Candidates) - t.NextCandidate
}

// DisplayName returns the tracker's title, falling back to its key.
func (t *Tracker) DisplayName() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Key.String()
}

// TrackerStore persists trackers.
type TrackerStore struct {
	db dbinterface.Querier
}

// NewTrackerStore constructs a tracker store.
func NewTrackerStore(db dbinterface.Querier) *TrackerStore {
	return &TrackerStore{db: db}
}

// Upsert inserts or replaces a tracker row.
func (s *TrackerStore) Upsert(ctx context.Context, t *Tracker) error {
	if t == nil || t.Key.IsZero() {
		return fmt.Errorf("tracker key cannot be empty")
	}

	candidatesJSON, err := json.Marshal(t.Candidates)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	const query = `
		INSERT INTO trackers (
			item_key, kind, title, imdb_id, tmdb_id, tvdb_id, phase,
			retry_count, last_retry_at, candidates_json, next_candidate,
			processed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_key) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			imdb_id = excluded.imdb_id,
			tmdb_id = excluded.tmdb_id,
			tvdb_id = excluded.tvdb_id,
			phase = excluded.phase,
			retry_count = excluded.retry_count,
			last_retry_at = excluded.last_retry_at,
			candidates_json = excluded.candidates_json,
			next_candidate = excluded.next_candidate,
			processed = excluded.processed,
			updated_at = excluded.updated_at
	`

	var lastRetry any
	if t.LastRetryAt != nil {
		lastRetry = t.LastRetryAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		t.Key.String(), string(t.Kind), t.Title,
		t.IDs.IMDB, t.IDs.TMDB, t.IDs.TVDB,
		string(t.Phase), t.RetryCount, lastRetry,
		string(candidatesJSON), t.NextCandidate, t.Processed,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tracker %s: %w", t.Key, err)
	}
	return nil
}

// Get returns a single tracker by key.
func (s *TrackerStore) Get(ctx context.Context, key catalog.ItemKey) (*Tracker, error) {
	const query = `
		SELECT item_key, kind, title, imdb_id, tmdb_id, tvdb_id, phase,
		       retry_count, last_retry_at, candidates_json, next_candidate,
		       processed, created_at, updated_at
		FROM trackers
		WHERE item_key = ?
	`
	row := s.db.QueryRowContext(ctx, query, key.String())
	tracker, err := scanTracker(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrTrackerNotFound, key.String())
		}
		return nil, fmt.Errorf("get tracker %s: %w", key, err)
	}
	return tracker, nil
}

// List returns every tracker, oldest first. Insertion order is the fairness
// tiebreaker in the scheduler, so ordering here matters.
func (s *TrackerStore) List(ctx context.Context) ([]*Tracker, error) {
	const query = `
		SELECT item_key, kind, title, imdb_id, tmdb_id, tvdb_id, phase,
		       retry_count, last_retry_at, candidates_json, next_candidate,
		       processed, created_at, updated_at
		FROM trackers
		ORDER BY created_at ASC, item_key ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	defer rows.Close()

	var trackers []*Tracker
	for rows.Next() {
		tracker, err := scanTracker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		trackers = append(trackers, tracker)
	}
	return trackers, rows.Err()
}

// Delete removes a tracker and, via the foreign key, its downloads.
func (s *TrackerStore) Delete(ctx context.Context, key catalog.ItemKey) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM trackers WHERE item_key = ?", key.String())
	if err != nil {
		return fmt.Errorf("delete tracker %s: %w", key, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.Wrap(ErrTrackerNotFound, key.String())
	}
	return nil
}

func scanTracker(scan func(dest ...any) error) (*Tracker, error) {
	var (
		keyRaw         string
		kind           string
		title          string
		imdbID         string
		tmdbID         string
		tvdbID         string
		phase          string
		retryCount     int
		lastRetryAt    sql.NullTime
		candidatesJSON string
		nextCandidate  int
		processed      bool
		createdAt      time.Time
		updatedAt      time.Time
	)

	if err := scan(
		&keyRaw, &kind, &title, &imdbID, &tmdbID, &tvdbID, &phase,
		&retryCount, &lastRetryAt, &candidatesJSON, &nextCandidate,
		&processed, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	key, err := catalog.ParseItemKey(keyRaw)
	if err != nil {
		return nil, err
	}

	tracker := &Tracker{
		Key:           key,
		Kind:          catalog.Kind(kind),
		Title:         title,
		IDs:           catalog.ExternalIDs{IMDB: imdbID, TMDB: tmdbID, TVDB: tvdbID},
		Phase:         Phase(phase),
		RetryCount:    retryCount,
		NextCandidate: nextCandidate,
		Processed:     processed,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
	if lastRetryAt.Valid {
		at := lastRetryAt.Time
		tracker.LastRetryAt = &at
	}
	if err := json.Unmarshal([]byte(candidatesJSON), &tracker.Candidates); err != nil {
		return nil, fmt.Errorf("decode candidates for %s: %w", keyRaw, err)
	}
	return tracker, nil
}
