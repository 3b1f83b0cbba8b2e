// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"time"
)

// CatalogChecker reports whether the catalog service is reachable.
type CatalogChecker interface {
	Health(ctx context.Context) error
}

// ProviderChecker reports whether the cache provider accepts our credentials.
type ProviderChecker interface {
	User(ctx context.Context) (string, error)
}

type HealthHandler struct {
	catalog  CatalogChecker
	provider ProviderChecker
}

func NewHealthHandler(catalog CatalogChecker, provider ProviderChecker) *HealthHandler {
	return &HealthHandler{catalog: catalog, provider: provider}
}

// HandleLiveness reports process liveness only.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealth checks both upstream dependencies. Returns 503 when either
// is unreachable so orchestrators can gate on it.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	deps := map[string]string{
		"catalog":  "ok",
		"provider": "ok",
	}
	healthy := true

	if err := h.catalog.Health(ctx); err != nil {
		deps["catalog"] = err.Error()
		healthy = false
	}
	if _, err := h.provider.User(ctx); err != nil {
		deps["provider"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	RespondJSON(w, status, map[string]any{
		"status":       state,
		"dependencies": deps,
	})
}
