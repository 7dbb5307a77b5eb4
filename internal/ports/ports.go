// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ports is the Port Allocator: exclusive allocation
// of a TCP port range with leak-safe TTLs, backed by internal/store's
// SetNX primitive. Two independent Allocator instances are constructed by
// the caller, one per disjoint range (desktop, tool).
package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/store"
)

// Kind tags which range an Allocator manages, used in key names and in the
// reaper's session-liveness check.
type Kind string

const (
	KindDesktop Kind = "desktop"
	KindTool    Kind = "tool"
)

// SessionLookup resolves whether the session currently bound to a port is
// still live, so the reaper can free ports whose owning session vanished
// or terminated without releasing its port explicitly.
type SessionLookup func(ctx context.Context, sessionID string) (exists bool, terminated bool)

// Allocator exclusively allocates ports from [Lo, Hi] via the store's
// SetNX primitive.
type Allocator struct {
	kind  Kind
	lo    int
	hi    int
	lease time.Duration
	store store.Store
	log   *logging.Logger
}

// New returns an Allocator over [lo, hi] for the given kind.
func New(kind Kind, lo, hi int, lease time.Duration, st store.Store) *Allocator {
	return &Allocator{kind: kind, lo: lo, hi: hi, lease: lease, store: st, log: logging.New("ports." + string(kind))}
}

func (a *Allocator) key(port int) string {
	return fmt.Sprintf("port:%s:%d", a.kind, port)
}

// Allocate performs a linear scan from Lo to Hi, attempting SetNX at each
// port. Linear (not random) scan keeps allocation deterministic and
// testable; race losers on SetNX simply advance to the next port with no
// backoff.
func (a *Allocator) Allocate(ctx context.Context, sessionID string) (int, error) {
	for p := a.lo; p <= a.hi; p++ {
		ok, err := a.store.SetNX(ctx, a.key(p), sessionID, a.lease)
		if err != nil {
			return 0, err
		}
		if ok {
			return p, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees a previously allocated port. Idempotent.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port == 0 {
		return nil
	}
	return a.store.Del(ctx, a.key(port))
}

// Owner returns the session ID currently holding port, if any.
func (a *Allocator) Owner(ctx context.Context, port int) (string, bool, error) {
	return a.store.Get(ctx, a.key(port))
}

// Reap scans "port:<kind>:*" and deletes any port whose bound session is
// absent or Terminated. The store's own TTL on each port key provides
// correctness even if Reap never runs; Reap only closes the gap sooner.
func (a *Allocator) Reap(ctx context.Context, lookup SessionLookup) (reaped int, err error) {
	keys, err := a.store.Keys(ctx, fmt.Sprintf("port:%s:*", a.kind))
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		sessionID, found, err := a.store.Get(ctx, key)
		if err != nil {
			a.log.Printf("reap: get %s: %v", key, err)
			continue
		}
		if !found {
			continue
		}
		exists, terminated := lookup(ctx, sessionID)
		if !exists || terminated {
			if err := a.store.Del(ctx, key); err != nil {
				a.log.Printf("reap: del %s: %v", key, err)
				continue
			}
			reaped++
		}
	}
	return reaped, nil
}

// RunReaper runs Reap on a ticker until ctx is canceled, the same
// ticker-driven background goroutine shape used elsewhere in this tree for
// periodic sweeps (stalled-job reclaim, memory-monitor sampling).
func (a *Allocator) RunReaper(ctx context.Context, interval time.Duration, lookup SessionLookup) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Reap(ctx, lookup)
			if err != nil {
				a.log.Printf("reap failed: %v", err)
				continue
			}
			if n > 0 {
				a.log.Printf("reclaimed %d stale %s port(s)", n, a.kind)
			}
		}
	}
}
