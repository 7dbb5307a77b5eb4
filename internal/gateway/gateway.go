// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package gateway is the Frontend Gateway (C9): a thin HTTP+websocket layer
// over the Session Registry, Message Fabric, and Work Queue, routed with
// net/http.ServeMux's Go 1.22 method+pattern syntax, mirroring how the
// original server's Handler() routed PTY/agent/filesystem endpoints. Its
// one nontrivial concern is the per-session chat socket.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rohanbojja/ottobot/internal/fabric"
	"github.com/rohanbojja/ottobot/internal/lifecycle"
	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/store"
)

// Gateway is the Frontend Gateway (C9).
type Gateway struct {
	controller *lifecycle.Controller
	registry   *registry.Registry
	fabric     *fabric.Fabric
	queue      *queue.Queue
	store      store.Store
	log        *logging.Logger

	version   string
	startedAt time.Time

	upgrader    websocket.Upgrader
	rateLimit   RateLimitConfig
	corsOrigins map[string]struct{}
}

// Config configures a Gateway.
type Config struct {
	Controller  *lifecycle.Controller
	Registry    *registry.Registry
	Fabric      *fabric.Fabric
	Queue       *queue.Queue
	Store       store.Store
	Version     string
	CORSOrigins []string
	RateLimit   RateLimitConfig
}

// New returns a Gateway wired to cfg.
func New(cfg Config) *Gateway {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	origins := corsOriginSet(cfg.CORSOrigins)
	return &Gateway{
		controller:  cfg.Controller,
		registry:    cfg.Registry,
		fabric:      cfg.Fabric,
		queue:       cfg.Queue,
		store:       cfg.Store,
		log:         logging.New("gateway"),
		version:     version,
		startedAt:   time.Now(),
		rateLimit:   cfg.RateLimit,
		corsOrigins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     corsCheckOrigin(origins),
		},
	}
}

// corsOriginSet builds the lookup set shared by the websocket upgrade check
// and the plain-HTTP CORS middleware, so both enforce the same allow-list.
func corsOriginSet(allowed []string) map[string]struct{} {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return set
}

// corsCheckOrigin builds a websocket.Upgrader.CheckOrigin func from a
// configured allow-list. It fails secure: a request with no Origin header
// is rejected (browsers always send one cross-origin), and an empty
// allow-list rejects every origin rather than permitting all of them —
// CORS_ORIGINS must be set explicitly before any cross-origin client can
// open the chat socket.
func corsCheckOrigin(allowed map[string]struct{}) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return false
		}
		_, ok := allowed[origin]
		return ok
	}
}

// Handler returns the Gateway's full HTTP surface.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /session", g.handleCreateSession)
	mux.HandleFunc("GET /session", g.handleListSessions)
	mux.HandleFunc("GET /session/{id}", g.handleGetSession)
	mux.HandleFunc("DELETE /session/{id}", g.handleDeleteSession)
	mux.HandleFunc("GET /session/{id}/logs", g.handleGetLogs)
	mux.HandleFunc("GET /session/{id}/chat", g.handleChatSocket)
	mux.HandleFunc("GET /download/{id}", g.handleDownload)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/metrics", g.handleHealthMetrics)
	mux.Handle("GET /metrics", g.promHandler())

	return g.withCORS(withRateLimit(g.rateLimit, mux))
}

// withCORS applies the same allow-list to plain HTTP requests as the
// websocket upgrade path uses, answering preflight OPTIONS directly. An
// Origin not on the configured allow-list gets no CORS headers at all, so
// the browser's own same-origin policy blocks the response from being read.
func (g *Gateway) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if _, ok := g.corsOrigins[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
