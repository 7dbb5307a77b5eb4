// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package worker

import (
	"context"
	"encoding/json"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

// Summary is one worker's reported status and job count, as surfaced by
// GET /health/metrics.
type Summary struct {
	ID            string `json:"id"`
	Active        bool   `json:"active"`
	CurrentJobs   int    `json:"current_jobs"`
}

// ListActive scans every registered worker's heartbeat key and returns a
// Summary for each still-live entry (an expired TTL means the key is
// simply absent from the scan, which is how a dead worker drops out).
func ListActive(ctx context.Context, st store.Store) ([]Summary, error) {
	keys, err := st.Keys(ctx, "worker:*:status")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "list worker status keys", err)
	}

	out := make([]Summary, 0, len(keys))
	for _, key := range keys {
		raw, found, err := st.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var entry model.WorkerEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		jobs, _ := st.SMembers(ctx, jobsKey(entry.WorkerID))
		out = append(out, Summary{
			ID:          entry.WorkerID,
			Active:      entry.Status == model.WorkerActive,
			CurrentJobs: len(jobs),
		})
	}
	return out, nil
}
