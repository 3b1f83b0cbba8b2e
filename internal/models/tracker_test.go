// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "fetcharr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTrackerStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerStore(db.Conn())
	ctx := context.Background()

	lastRetry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := &Tracker{
		Key:   catalog.RealKey("42"),
		Kind:  catalog.KindMovie,
		Title: "Some Movie",
		IDs:   catalog.ExternalIDs{IMDB: "tt0133093", TMDB: "603"},
		Phase: PhaseManual,
		Candidates: []catalog.Candidate{
			{InfoHash: "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111", Title: "first", Rank: 90},
			{InfoHash: "bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222", Title: "second", Rank: 10, Cached: true},
		},
		NextCandidate: 1,
		RetryCount:    3,
		LastRetryAt:   &lastRetry,
	}
	require.NoError(t, store.Upsert(ctx, tracker))

	got, err := store.Get(ctx, catalog.RealKey("42"))
	require.NoError(t, err)
	assert.Equal(t, tracker.Key, got.Key)
	assert.Equal(t, PhaseManual, got.Phase)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, tracker.Candidates, got.Candidates)
	assert.Equal(t, 1, got.NextCandidate)
	assert.Equal(t, 1, got.Remaining())
	require.NotNil(t, got.LastRetryAt)
	assert.True(t, got.LastRetryAt.Equal(lastRetry))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTrackerStoreUpsertUpdatesInPlace(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerStore(db.Conn())
	ctx := context.Background()

	tracker := &Tracker{Key: catalog.RealKey("42"), Kind: catalog.KindMovie, Phase: PhaseRetrying}
	require.NoError(t, store.Upsert(ctx, tracker))
	created := tracker.CreatedAt

	tracker.Phase = PhaseExhausted
	tracker.Processed = true
	require.NoError(t, store.Upsert(ctx, tracker))

	got, err := store.Get(ctx, catalog.RealKey("42"))
	require.NoError(t, err)
	assert.Equal(t, PhaseExhausted, got.Phase)
	assert.True(t, got.Processed)
	assert.True(t, got.CreatedAt.Equal(created), "created_at survives updates")

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTrackerStoreListOrdersByCreation(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerStore(db.Conn())
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		tracker := &Tracker{
			Key:       catalog.RealKey(id),
			Kind:      catalog.KindMovie,
			Phase:     PhaseRetrying,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Upsert(ctx, tracker))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "item:c", all[0].Key.String())
	assert.Equal(t, "item:a", all[1].Key.String())
	assert.Equal(t, "item:b", all[2].Key.String())
}

func TestTrackerStoreSyntheticKey(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerStore(db.Conn())
	ctx := context.Background()

	key := catalog.SyntheticParentKey("100", "200")
	require.NoError(t, store.Upsert(ctx, &Tracker{Key: key, Kind: catalog.KindShow, Phase: PhaseRetrying}))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Key.Synthetic())
	assert.Equal(t, catalog.ExternalIDs{TMDB: "100", TVDB: "200"}, got.Key.ParentIDs())
}

func TestTrackerStoreDelete(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerStore(db.Conn())
	ctx := context.Background()

	key := catalog.RealKey("42")
	require.NoError(t, store.Upsert(ctx, &Tracker{Key: key, Kind: catalog.KindMovie, Phase: PhaseRetrying}))
	require.NoError(t, store.Delete(ctx, key))

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrTrackerNotFound)
	assert.ErrorIs(t, store.Delete(ctx, key), ErrTrackerNotFound)
}

func TestTrackerStoreRejectsZeroKey(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerStore(db.Conn())

	assert.Error(t, store.Upsert(context.Background(), &Tracker{Phase: PhaseRetrying}))
}
