// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/worker"
)

// SessionResponse is the wire shape returned for a session by every
// endpoint that surfaces one.
type SessionResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	DesktopURL    string `json:"desktop_url,omitempty"`
	ChatURL       string `json:"chat_url"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (g *Gateway) toResponse(r *http.Request, sess *model.Session) SessionResponse {
	host := hostOnly(r)
	resp := SessionResponse{
		SessionID:     sess.ID,
		Status:        string(sess.Status),
		ChatURL:       "ws://" + host + ":" + apiPortOf(r) + "/session/" + sess.ID + "/chat",
		CreatedAt:     sess.CreatedAt.Unix(),
		ExpiresAt:     sess.ExpiresAt.Unix(),
		InitialPrompt: sess.InitialPrompt,
		Error:         sess.Error,
	}
	if sess.DesktopPort != 0 {
		resp.DesktopURL = "http://" + host + ":" + strconv.Itoa(sess.DesktopPort) + "/vnc.html"
	}
	return resp
}

func hostOnly(r *http.Request) string {
	h := r.Host
	if i := strings.LastIndex(h, ":"); i != -1 {
		h = h[:i]
	}
	if h == "" {
		h = "localhost"
	}
	return h
}

func apiPortOf(r *http.Request) string {
	if i := strings.LastIndex(r.Host, ":"); i != -1 {
		return r.Host[i+1:]
	}
	return "80"
}

type createSessionRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	Environment   string `json:"environment"`
	TimeoutSec    int    `json:"timeout"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "malformed JSON body"))
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	sess, err := g.controller.CreateSession(r.Context(), req.InitialPrompt, req.Environment, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g.toResponse(r, sess))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}

	sessions, total, err := g.registry.ListActive(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, g.toResponse(r, s))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, found, err := g.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.KindNotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, g.toResponse(r, sess))
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, found, err := g.controller.TerminateSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.KindNotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusAccepted, g.toResponse(r, sess))
}

// logEntryResponse is the wire shape for a session log entry, distinct from
// model.LogEntry's storage tags (ts, meta).
type logEntryResponse struct {
	Timestamp int64                  `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (g *Gateway) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, found, err := g.registry.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	} else if !found {
		writeError(w, apperr.New(apperr.KindNotFound, "session not found"))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	logs, err := g.registry.ReadLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]logEntryResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, logEntryResponse{
			Timestamp: l.Timestamp,
			Level:     string(l.Level),
			Message:   l.Message,
			Metadata:  l.Meta,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "logs": out})
}

// handleDownload redirects to the session's tool endpoint rather than
// serving the artifact itself: the gateway holds no file storage, and the
// tool endpoint is the only place that knows the artifact's real
// Content-Type/Content-Disposition/size.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, found, err := g.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.KindNotFound, "session not found"))
		return
	}
	if sess.ToolPort == 0 {
		writeError(w, apperr.New(apperr.KindValidation, "session has no tool port"))
		return
	}
	target := "http://" + hostOnly(r) + ":" + strconv.Itoa(sess.ToolPort) + "/download"
	http.Redirect(w, r, target, http.StatusFound)
}

// handleHealth reports liveness plus a breakdown of the three collaborators
// the gateway depends on transitively: the coordination store, the sandbox
// runtime, and the worker fleet, each backed by a real probe rather than a
// hardcoded true.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeOK := g.store.Ping(ctx) == nil
	sandboxOK := g.controller.Launcher().Ping() == nil

	workerKeys, err := g.store.Keys(ctx, "worker:*:status")
	workersOK := err == nil
	status := "ok"
	if !storeOK || !sandboxOK || !workersOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": g.version,
		"uptime":  time.Since(g.startedAt).String(),
		"services": map[string]any{
			"store":           storeOK,
			"sandbox_runtime": sandboxOK,
			"workers":         len(workerKeys),
		},
	})
}

func (g *Gateway) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	total, err := g.registry.TotalSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	active, _, err := g.registry.ListActive(r.Context(), 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := g.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var queueLength int64
	for _, n := range stats.ReadyByPriority {
		queueLength += n
	}
	workers, err := worker.ListActive(r.Context(), g.store)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions":  total,
		"active_sessions": len(active),
		"queue_length":    queueLength,
		"queue":           stats.ReadyByPriority,
		"dead_letter":     stats.DeadLetter,
		"worker_status":   workers,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an application error Kind to the HTTP status reported to
// clients.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case apperr.KindReadinessTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// httpErrorText names the error body's top-level "error" field after the
// HTTP status text rather than the internal error Kind, matching the
// documented {error, message} contract every endpoint returns on failure.
func httpErrorText(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Error"
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(apperr.KindOf(err))
	writeJSON(w, status, map[string]any{
		"error":   httpErrorText(status),
		"message": err.Error(),
	})
}
