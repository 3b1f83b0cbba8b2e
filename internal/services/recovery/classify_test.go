// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fetcharr/fetcharr/internal/debrid"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	maxWait := 2 * time.Hour
	zero := 0
	some := 12

	tests := []struct {
		name        string
		torrent     debrid.Torrent
		submittedAt time.Time
		want        verdict
	}{
		{
			name:        "downloaded is completed",
			torrent:     debrid.Torrent{Status: debrid.StatusDownloaded, Progress: 100},
			submittedAt: now.Add(-time.Hour),
			want:        verdictCompleted,
		},
		{
			name:        "full progress is completed regardless of status",
			torrent:     debrid.Torrent{Status: debrid.StatusUploading, Progress: 100},
			submittedAt: now.Add(-time.Hour),
			want:        verdictCompleted,
		},
		{
			name:        "error status is dead",
			torrent:     debrid.Torrent{Status: debrid.StatusErrored},
			submittedAt: now,
			want:        verdictDead,
		},
		{
			name:        "virus status is dead",
			torrent:     debrid.Torrent{Status: debrid.StatusVirus},
			submittedAt: now,
			want:        verdictDead,
		},
		{
			name:        "dead status is dead",
			torrent:     debrid.Torrent{Status: debrid.StatusDead, Progress: 80},
			submittedAt: now,
			want:        verdictDead,
		},
		{
			name:        "zero seeders while downloading is dead, no stall wait",
			torrent:     debrid.Torrent{Status: debrid.StatusDownloading, Progress: 60, Seeders: &zero},
			submittedAt: now.Add(-time.Minute),
			want:        verdictDead,
		},
		{
			name:        "zero seeders overrides completion-free high progress",
			torrent:     debrid.Torrent{Status: debrid.StatusDownloading, Progress: 99, Seeders: &zero},
			submittedAt: now.Add(-time.Minute),
			want:        verdictDead,
		},
		{
			name:        "no progress past wait budget is stalled",
			torrent:     debrid.Torrent{Status: debrid.StatusDownloading, Progress: 5, Seeders: &some},
			submittedAt: now.Add(-3 * time.Hour),
			want:        verdictStalled,
		},
		{
			name:        "real progress past wait budget is kept",
			torrent:     debrid.Torrent{Status: debrid.StatusDownloading, Progress: 45, Seeders: &some},
			submittedAt: now.Add(-3 * time.Hour),
			want:        verdictKeep,
		},
		{
			name:        "waiting selection needs file selection",
			torrent:     debrid.Torrent{Status: debrid.StatusWaitingSelection},
			submittedAt: now.Add(-time.Minute),
			want:        verdictSelectFiles,
		},
		{
			name:        "waiting selection past wait budget is stalled",
			torrent:     debrid.Torrent{Status: debrid.StatusWaitingSelection},
			submittedAt: now.Add(-3 * time.Hour),
			want:        verdictStalled,
		},
		{
			name:        "queued is kept",
			torrent:     debrid.Torrent{Status: debrid.StatusQueued},
			submittedAt: now.Add(-time.Minute),
			want:        verdictKeep,
		},
		{
			name:        "unknown seeders while downloading is kept",
			torrent:     debrid.Torrent{Status: debrid.StatusDownloading, Progress: 30},
			submittedAt: now.Add(-time.Minute),
			want:        verdictKeep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.torrent, tt.submittedAt, now, maxWait)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}
