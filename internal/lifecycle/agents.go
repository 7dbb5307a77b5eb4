// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package lifecycle

import (
	"sync"

	"github.com/rohanbojja/ottobot/internal/agent"
)

// agentTable is the worker-local map from session ID to the agent.Driver
// instance spawned for it — the piece of in-process mutable state C5's
// one-handler-per-(session_id,job_kind) convention assumes a worker has
// for any session it is actively handling.
type agentTable struct {
	mu      sync.RWMutex
	drivers map[string]agent.Driver
}

func newAgentTable() *agentTable {
	return &agentTable{drivers: make(map[string]agent.Driver)}
}

func (t *agentTable) get(sid string) (agent.Driver, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.drivers[sid]
	return d, ok
}

func (t *agentTable) put(sid string, d agent.Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drivers[sid] = d
}

func (t *agentTable) remove(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.drivers, sid)
}

// all returns every currently tracked (sessionID, Driver) pair, used by the
// worker runtime to shut down active agents on graceful drain.
func (t *agentTable) all() map[string]agent.Driver {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]agent.Driver, len(t.drivers))
	for k, v := range t.drivers {
		out[k] = v
	}
	return out
}
