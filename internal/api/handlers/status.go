// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/recovery"
)

// Recovery is the slice of the recovery service the API exposes.
type Recovery interface {
	Snapshot() recovery.Snapshot
	PhaseCounts() map[models.Phase]int
	TriggerCheck()
}

type StatusHandler struct {
	recovery Recovery
	version  string
}

func NewStatusHandler(recovery Recovery, version string) *StatusHandler {
	return &StatusHandler{recovery: recovery, version: version}
}

// GetStatus summarizes the scheduler: slot usage and tracker phase counts.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.recovery.Snapshot()
	phases := h.recovery.PhaseCounts()

	RespondJSON(w, http.StatusOK, map[string]any{
		"version":         h.version,
		"activeDownloads": snap.ActiveDownloads,
		"maxActive":       snap.MaxActive,
		"trackers":        len(snap.Trackers),
		"phases": map[string]int{
			"retrying":  phases[models.PhaseRetrying],
			"manual":    phases[models.PhaseManual],
			"exhausted": phases[models.PhaseExhausted],
			"completed": phases[models.PhaseCompleted],
		},
	})
}

// ListTrackers returns every tracked item with its retry state.
func (h *StatusHandler) ListTrackers(w http.ResponseWriter, r *http.Request) {
	snap := h.recovery.Snapshot()
	trackers := snap.Trackers
	if trackers == nil {
		trackers = []models.Tracker{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"trackers": trackers})
}

// ListDownloads returns the active provider downloads.
func (h *StatusHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	snap := h.recovery.Snapshot()
	downloads := snap.Downloads
	if downloads == nil {
		downloads = []recovery.DownloadSnapshot{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"downloads": downloads,
		"active":    snap.ActiveDownloads,
		"max":       snap.MaxActive,
	})
}

// TriggerCheck queues an immediate retry pass.
func (h *StatusHandler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	h.recovery.TriggerCheck()
	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "check scheduled"})
}
