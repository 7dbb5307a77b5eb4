// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWithRateLimit_ZeroConfigIsNoOp(t *testing.T) {
	h := withRateLimit(RateLimitConfig{}, okHandler())
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestWithRateLimit_RejectsOverBudget(t *testing.T) {
	h := withRateLimit(RateLimitConfig{RequestsPerMinute: 60, Burst: 2}, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusTooManyRequests, rec3.Code)
}

func TestWithRateLimit_TracksClientsIndependently(t *testing.T) {
	h := withRateLimit(RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA.RemoteAddr = "10.0.0.3:5555"
	recA1 := httptest.NewRecorder()
	h.ServeHTTP(recA1, reqA)
	assert.Equal(t, http.StatusOK, recA1.Code)

	recA2 := httptest.NewRecorder()
	h.ServeHTTP(recA2, reqA)
	assert.Equal(t, http.StatusTooManyRequests, recA2.Code)

	reqB := httptest.NewRequest(http.MethodGet, "/", nil)
	reqB.RemoteAddr = "10.0.0.4:5555"
	recB1 := httptest.NewRecorder()
	h.ServeHTTP(recB1, reqB)
	assert.Equal(t, http.StatusOK, recB1.Code)
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.5")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.6:5555"
	assert.Equal(t, "10.0.0.6", clientIP(req))
}
