// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server serves /metrics on its own port, separate from the API.
type Server struct {
	manager *Manager
	host    string
	port    int
}

func NewServer(manager *Manager, host string, port int) *Server {
	return &Server{
		manager: manager,
		host:    host,
		port:    port,
	}
}

func (s *Server) ListenAndServe() error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.manager.Registry(), promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return server.ListenAndServe()
}
