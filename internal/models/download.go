// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

var ErrDownloadNotFound = errors.New("download not found")

// Download is the persisted shape of an in-flight provider job. Live
// status and progress are runtime state; only what is needed to reconcile
// after a restart is stored.
type Download struct {
	TorrentID   string          `json:"torrentId"`
	Key         catalog.ItemKey `json:"key"`
	InfoHash    string          `json:"infohash"`
	Filename    string          `json:"filename"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// DownloadStore persists in-flight downloads.
type DownloadStore struct {
	db dbinterface.Querier
}

// NewDownloadStore constructs a download store.
func NewDownloadStore(db dbinterface.Querier) *DownloadStore {
	return &DownloadStore{db: db}
}

// Upsert records a download bound to a tracker.
func (s *DownloadStore) Upsert(ctx context.Context, d *Download) error {
	if d == nil || d.TorrentID == "" {
		return fmt.Errorf("download torrent id cannot be empty")
	}
	if d.Key.IsZero() {
		return fmt.Errorf("download item key cannot be empty")
	}

	const query = `
		INSERT INTO downloads (torrent_id, item_key, infohash, filename, submitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(torrent_id) DO UPDATE SET
			item_key = excluded.item_key,
			infohash = excluded.infohash,
			filename = excluded.filename,
			submitted_at = excluded.submitted_at
	`
	_, err := s.db.ExecContext(ctx, query,
		d.TorrentID, d.Key.String(), d.InfoHash, d.Filename, d.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert download %s: %w", d.TorrentID, err)
	}
	return nil
}

// Delete removes a download row.
func (s *DownloadStore) Delete(ctx context.Context, torrentID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE torrent_id = ?", torrentID)
	if err != nil {
		return fmt.Errorf("delete download %s: %w", torrentID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.Wrap(ErrDownloadNotFound, torrentID)
	}
	return nil
}

// List returns every persisted download, oldest submission first.
func (s *DownloadStore) List(ctx context.Context) ([]*Download, error) {
	const query = `
		SELECT torrent_id, item_key, infohash, filename, submitted_at
		FROM downloads
		ORDER BY submitted_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		var (
			d      Download
			keyRaw string
		)
		if err := rows.Scan(&d.TorrentID, &keyRaw, &d.InfoHash, &d.Filename, &d.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		key, err := catalog.ParseItemKey(keyRaw)
		if err != nil {
			return nil, err
		}
		d.Key = key
		downloads = append(downloads, &d)
	}
	return downloads, rows.Err()
}
