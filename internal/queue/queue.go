// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package queue is the Work Queue (C5): a durable job queue built entirely
// on internal/store's list/set/atomic-claim/TTL primitives, with no
// separate broker client in between.
//
// Priority convention: lower numeric value is serviced first. model.JobKind
// gives CreateSession and ProcessMessage priority 1 and TerminateSession
// priority 2, so terminations normally yield to create/process work.
// Dequeue round-robins its starting band across calls rather than draining
// band 1 to empty before ever looking at band 2, so TerminateSession jobs
// are never starved under sustained load on band 1.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

const (
	maxAttempts       = 3
	baseBackoff       = 2 * time.Second
	defaultMaxStalled = 3
)

func readyKey(priority int) string      { return fmt.Sprintf("queue:ready:%d", priority) }
func inflightKey(jobID string) string   { return "queue:inflight:" + jobID }
func deadLetterKey() string             { return "queue:dead-letter" }
func priorityBandsKey() string          { return "queue:priority-bands" }
func stallCountKey(jobID string) string { return "queue:stalls:" + jobID }

const inflightPattern = "queue:inflight:*"

// inflightEntry is what a claim key holds: enough to recover or retry the
// job if the claiming worker disappears without calling Ack or Nack.
type inflightEntry struct {
	WorkerID string    `json:"worker_id"`
	Job      model.Job `json:"job"`
	Deadline time.Time `json:"deadline"`
}

// Queue is the Work Queue (C5).
type Queue struct {
	store           store.Store
	stalledInterval time.Duration
	maxStalled      int
	log             *logging.Logger

	rrCursor int
}

// New returns a Queue backed by st. stalledInterval bounds how long a job
// may stay claimed without its lease being renewed before the stall reaper
// re-queues it. maxStalled bounds how many times a job may be recovered
// from a stalled claim before it is dead-lettered instead; 0 uses the
// documented default of 3.
func New(st store.Store, stalledInterval time.Duration, maxStalled int) *Queue {
	if maxStalled <= 0 {
		maxStalled = defaultMaxStalled
	}
	return &Queue{store: st, stalledInterval: stalledInterval, maxStalled: maxStalled, log: logging.New("queue")}
}

// Enqueue appends job to its priority band's ready list, defaulting to
// job.Kind.Priority() if job.Priority is unset.
func (q *Queue) Enqueue(ctx context.Context, job model.Job) error {
	if job.Priority == 0 {
		job.Priority = job.Kind.Priority()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal job", err)
	}
	if err := q.store.RPush(ctx, readyKey(job.Priority), string(data)); err != nil {
		return apperr.Wrap(apperr.KindStore, "enqueue job", err)
	}
	if err := q.store.SAdd(ctx, priorityBandsKey(), fmt.Sprintf("%d", job.Priority)); err != nil {
		return apperr.Wrap(apperr.KindStore, "register priority band", err)
	}
	return nil
}

func (q *Queue) bands(ctx context.Context) ([]int, error) {
	raw, err := q.store.SMembers(ctx, priorityBandsKey())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "list priority bands", err)
	}
	bands := make([]int, 0, len(raw))
	for _, s := range raw {
		var p int
		if _, err := fmt.Sscanf(s, "%d", &p); err == nil {
			bands = append(bands, p)
		}
	}
	sort.Ints(bands)
	return bands, nil
}

// Dequeue claims and returns the next job this worker should run, or
// (nil, false) if every band is empty. It round-robins its starting band
// across calls so no band is ever permanently starved, then, within the
// chosen band, walks the ready list head-first and claims the first job
// not already claimed by another worker.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*model.Job, bool, error) {
	bands, err := q.bands(ctx)
	if err != nil || len(bands) == 0 {
		return nil, false, err
	}

	for i := 0; i < len(bands); i++ {
		band := bands[(q.rrCursor+i)%len(bands)]
		job, found, err := q.claimFromBand(ctx, band, workerID)
		if err != nil {
			return nil, false, err
		}
		if found {
			q.rrCursor = (q.rrCursor + i + 1) % len(bands)
			return job, true, nil
		}
	}
	return nil, false, nil
}

func (q *Queue) claimFromBand(ctx context.Context, priority int, workerID string) (*model.Job, bool, error) {
	key := readyKey(priority)
	entries, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStore, "scan ready list", err)
	}

	for _, raw := range entries {
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Printf("dropping malformed job entry in %s: %v", key, err)
			_ = q.store.LRem(ctx, key, raw)
			continue
		}

		if !job.NotBefore.IsZero() && time.Now().Before(job.NotBefore) {
			continue // held back for retry backoff; leave it for a later pass
		}

		claimed, err := q.claim(ctx, job, workerID)
		if err != nil {
			return nil, false, err
		}
		if !claimed {
			continue // another worker already has this job in flight
		}

		// Claim won; this worker's job to remove it from the ready list.
		if err := q.store.LRem(ctx, key, raw); err != nil {
			q.log.Printf("remove claimed job from ready list: %v", err)
		}
		job.Attempts++
		return &job, true, nil
	}
	return nil, false, nil
}

// claim atomically records that workerID now owns job, storing the job
// body so a stalled claim can be recovered without the original worker.
func (q *Queue) claim(ctx context.Context, job model.Job, workerID string) (bool, error) {
	entry := inflightEntry{WorkerID: workerID, Job: job, Deadline: time.Now().Add(q.stalledInterval)}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, apperr.Wrap(apperr.KindFatal, "marshal inflight entry", err)
	}
	// TTL is a safety net double the lease: the reaper is expected to
	// reclaim stalled claims well before the key would expire on its own.
	ok, err := q.store.SetNX(ctx, inflightKey(job.ID), string(data), 2*q.stalledInterval)
	if err != nil {
		return false, apperr.Wrap(apperr.KindStore, "claim job", err)
	}
	return ok, nil
}

// Ack marks job as successfully completed: its in-flight claim and stall
// counter are removed. Completed jobs are not retained.
func (q *Queue) Ack(ctx context.Context, job model.Job) error {
	if err := q.store.Del(ctx, inflightKey(job.ID), stallCountKey(job.ID)); err != nil {
		return apperr.Wrap(apperr.KindStore, "ack job", err)
	}
	return nil
}

// RenewLease extends a claimed job's deadline, called periodically by a
// long-running handler so the stall reaper does not re-queue work that is
// still legitimately in progress.
func (q *Queue) RenewLease(ctx context.Context, job model.Job, workerID string) error {
	entry := inflightEntry{WorkerID: workerID, Job: job, Deadline: time.Now().Add(q.stalledInterval)}
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal inflight entry", err)
	}
	if err := q.store.SetEx(ctx, inflightKey(job.ID), string(data), 2*q.stalledInterval); err != nil {
		return apperr.Wrap(apperr.KindStore, "renew lease", err)
	}
	return nil
}

// Nack reports that job failed. While job.Attempts is below maxAttempts, it
// is re-enqueued after BackoffFor(job.Attempts) (2s after the first
// attempt, 4s after the second); once job.Attempts reaches maxAttempts, it
// moves to the dead-letter set for inspection instead of being retried
// again.
func (q *Queue) Nack(ctx context.Context, job model.Job) error {
	if err := q.store.Del(ctx, inflightKey(job.ID)); err != nil {
		return apperr.Wrap(apperr.KindStore, "clear claim on nack", err)
	}
	if job.Attempts >= maxAttempts {
		return q.deadLetter(ctx, job)
	}
	job.NotBefore = time.Now().Add(BackoffFor(job.Attempts))
	return q.Enqueue(ctx, job)
}

func (q *Queue) deadLetter(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal dead-letter job", err)
	}
	if err := q.store.SAdd(ctx, deadLetterKey(), string(data)); err != nil {
		return apperr.Wrap(apperr.KindStore, "dead-letter job", err)
	}
	if err := q.store.Del(ctx, stallCountKey(job.ID)); err != nil {
		q.log.Printf("clear stall counter for dead-lettered job %s: %v", job.ID, err)
	}
	return nil
}

// BackoffFor returns the exponential retry delay before the (attempts+1)th
// attempt of a job: 2s, 4s, 8s, ..., doubling per prior attempt.
func BackoffFor(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// RunStallReaper periodically scans in-flight claims for ones past their
// deadline without being renewed or released — the owning worker most
// likely died mid-job — and re-queues them, up to maxStalled times, after
// which the job is dead-lettered instead. The claim's own TTL is a safety
// net that reclaims it even if this reaper never runs; the reaper only
// closes the gap sooner and gives the job a chance to run again instead of
// silently vanishing.
func (q *Queue) RunStallReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.reapStalled(ctx)
			if err != nil {
				q.log.Printf("stall reap failed: %v", err)
				continue
			}
			if n > 0 {
				q.log.Printf("recovered %d stalled job(s)", n)
			}
		}
	}
}

func (q *Queue) reapStalled(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, inflightPattern)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "scan inflight claims", err)
	}

	reaped := 0
	now := time.Now()
	for _, key := range keys {
		raw, found, err := q.store.Get(ctx, key)
		if err != nil {
			q.log.Printf("reap: get %s: %v", key, err)
			continue
		}
		if !found {
			continue
		}
		var entry inflightEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.log.Printf("reap: malformed inflight entry %s: %v", key, err)
			continue
		}
		if now.Before(entry.Deadline) {
			continue
		}

		if err := q.store.Del(ctx, key); err != nil {
			q.log.Printf("reap: clear stale claim %s: %v", key, err)
			continue
		}
		if err := q.markStalled(ctx, entry.Job); err != nil {
			q.log.Printf("reap: requeue job %s: %v", entry.Job.ID, err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (q *Queue) markStalled(ctx context.Context, job model.Job) error {
	raw, _, err := q.store.Get(ctx, stallCountKey(job.ID))
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "read stall counter", err)
	}
	count := 0
	if raw != "" {
		fmt.Sscanf(raw, "%d", &count)
	}
	count++

	if count > q.maxStalled {
		return q.deadLetter(ctx, job)
	}
	if err := q.store.Set(ctx, stallCountKey(job.ID), fmt.Sprintf("%d", count)); err != nil {
		return apperr.Wrap(apperr.KindStore, "write stall counter", err)
	}
	return q.Enqueue(ctx, job)
}

// Stats reports queue depth and dead-letter size, surfaced by the gateway
// at GET /health/metrics.
type Stats struct {
	ReadyByPriority map[int]int64
	DeadLetter      int64
}

// Stats computes the current queue depth across every registered priority
// band plus the dead-letter set size.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	bands, err := q.bands(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{ReadyByPriority: make(map[int]int64, len(bands))}
	for _, b := range bands {
		n, err := q.store.LLen(ctx, readyKey(b))
		if err != nil {
			return Stats{}, apperr.Wrap(apperr.KindStore, "queue depth", err)
		}
		out.ReadyByPriority[b] = n
	}
	n, err := q.store.SCard(ctx, deadLetterKey())
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.KindStore, "dead-letter depth", err)
	}
	out.DeadLetter = n
	return out, nil
}
