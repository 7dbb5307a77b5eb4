// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobCreateSession, SessionID: "s1"}))

	job, found, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.Attempts, "dequeue increments attempts")

	_, found, err = q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, found, "job is claimed, no longer available to another worker")

	require.NoError(t, q.Ack(ctx, *job))
}

func TestQueue_NackRetriesThenDeadLetters(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, time.Minute, 0)
	ctx := context.Background()

	// Drive Attempts directly rather than round-tripping through Dequeue,
	// since a Nack'd job is held back by backoff and would not yet be
	// claimable on the very next Dequeue.
	job := model.Job{ID: "j1", Kind: model.JobProcessMessage, SessionID: "s1"}
	for i := 0; i < maxAttempts; i++ {
		job.Attempts++
		require.NoError(t, q.Nack(ctx, job))
	}

	_, found, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, found, "job must be dead-lettered, not re-enqueued, after exhausting attempts")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.DeadLetter)
}

func TestQueue_NackHoldsRetryBackUntilBackoffElapses(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, time.Minute, 0)
	ctx := context.Background()

	job := model.Job{ID: "j1", Kind: model.JobProcessMessage, SessionID: "s1", Attempts: 1}
	require.NoError(t, q.Nack(ctx, job))

	_, found, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, found, "a retried job must wait out its backoff window before being claimable")
}

func TestQueue_NotBeforeInThePastIsImmediatelyClaimable(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, time.Minute, 0)
	ctx := context.Background()

	job := model.Job{ID: "j1", Kind: model.JobProcessMessage, SessionID: "s1", NotBefore: time.Now().Add(-time.Second)}
	require.NoError(t, q.Enqueue(ctx, job))

	got, found, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "j1", got.ID)
}

func TestBackoffFor_DoublesPerPriorAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Second, BackoffFor(1))
	assert.Equal(t, 4*time.Second, BackoffFor(2))
	assert.Equal(t, 8*time.Second, BackoffFor(3))
}

func TestQueue_DequeueRoundRobinsAcrossPriorityBands(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.Job{ID: "create-1", Kind: model.JobCreateSession}))
	require.NoError(t, q.Enqueue(ctx, model.Job{ID: "create-2", Kind: model.JobCreateSession}))
	require.NoError(t, q.Enqueue(ctx, model.Job{ID: "terminate-1", Kind: model.JobTerminateSession}))

	seen := []string{}
	for i := 0; i < 3; i++ {
		job, found, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.True(t, found)
		seen = append(seen, job.ID)
	}

	assert.Contains(t, seen, "terminate-1", "round robin must surface the higher-priority-number band before band 1 is drained")
	assert.NotEqual(t, "terminate-1", seen[len(seen)-1], "terminate must not be served strictly last behind every create")
}

func TestQueue_StallReaperRecoversAbandonedClaim(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, 10*time.Millisecond, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobCreateSession}))
	_, found, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)

	// Deadline is one stalledInterval out; the claim's own safety-net TTL
	// is double that, so this window is past the deadline but still well
	// inside the TTL.
	time.Sleep(15 * time.Millisecond)

	n, err := q.reapStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, found, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.True(t, found, "stalled job must become claimable again")
	assert.Equal(t, "j1", job.ID)
}

func TestQueue_RenewLeasePreventsStallReap(t *testing.T) {
	st := store.NewMemStore()
	q := New(st, 20*time.Millisecond, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobCreateSession}))
	job, found, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, q.RenewLease(ctx, *job, "w1"))
	time.Sleep(15 * time.Millisecond)

	n, err := q.reapStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a renewed lease must not be reaped")
}
