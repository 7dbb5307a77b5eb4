// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the gateway's per-client request limiter.
// Zero RequestsPerMinute disables limiting entirely.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter tracks one rate.Limiter per client key, reaping entries
// that have gone idle so a long-lived gateway process doesn't accumulate
// one limiter per distinct IP forever.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rateLimitEntry

	entryTTL        time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	return &clientLimiter{
		limit:           rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:           cfg.Burst,
		entries:         make(map[string]*rateLimitEntry),
		entryTTL:        15 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

func (c *clientLimiter) allow(key string) bool {
	if key == "" {
		return true
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastCleanup) >= c.cleanupInterval {
		for k, e := range c.entries {
			if now.Sub(e.lastSeen) > c.entryTTL {
				delete(c.entries, k)
			}
		}
		c.lastCleanup = now
	}

	entry, ok := c.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// withRateLimit rejects requests over the configured per-client budget with
// 429, keyed on the request's source IP. A zero RateLimitConfig is a no-op,
// so limiting stays off by default rather than picking an arbitrary floor.
func withRateLimit(cfg RateLimitConfig, next http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return next
	}
	limiter := newClientLimiter(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
