// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

func TestRegistry_CreateRejectsOutOfBoundsPrompt(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	_, err := r.Create(ctx, "", "node", 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "empty prompt must be rejected")

	_, err = r.Create(ctx, strings.Repeat("x", maxPromptLen+1), "node", 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "oversized prompt must be rejected")
}

func TestRegistry_CreateThenGetRoundTrips(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInitializing, sess.Status)
	assert.NotEmpty(t, sess.ID)

	got, found, err := r.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "build a widget", got.InitialPrompt)
}

func TestRegistry_GetUnknownSessionReturnsNotFound(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	_, found, err := r.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegistry_UpdatePreservesResidualTTL(t *testing.T) {
	st := store.NewMemStore()
	r := New(st, time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", time.Hour)
	require.NoError(t, err)

	// Force the TTL down so Update's "preserve residual TTL" behavior has
	// something other than the default hour to preserve.
	require.NoError(t, st.Expire(ctx, sessionKey(sess.ID), 5*time.Second))

	status := model.StatusReady
	_, found, err := r.Update(ctx, sess.ID, Patch{Status: &status})
	require.NoError(t, err)
	require.True(t, found)

	ttl, err := st.TTL(ctx, sessionKey(sess.ID))
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= 5*time.Second, "update must not reset TTL back to the full session timeout, got %v", ttl)
}

func TestRegistry_UpdateMovesWorkerIndex(t *testing.T) {
	st := store.NewMemStore()
	r := New(st, time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", 0)
	require.NoError(t, err)

	w1, w2 := "worker-1", "worker-2"
	_, _, err = r.Update(ctx, sess.ID, Patch{WorkerID: &w1})
	require.NoError(t, err)

	ids, err := r.SessionsByWorker(ctx, w1)
	require.NoError(t, err)
	assert.Contains(t, ids, sess.ID)

	_, _, err = r.Update(ctx, sess.ID, Patch{WorkerID: &w2})
	require.NoError(t, err)

	ids, err = r.SessionsByWorker(ctx, w1)
	require.NoError(t, err)
	assert.NotContains(t, ids, sess.ID, "session must be removed from its previous worker's set")

	ids, err = r.SessionsByWorker(ctx, w2)
	require.NoError(t, err)
	assert.Contains(t, ids, sess.ID)
}

func TestRegistry_DeleteRemovesSessionAndDerivedKeys(t *testing.T) {
	st := store.NewMemStore()
	r := New(st, time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", 0)
	require.NoError(t, err)
	require.NoError(t, r.AppendMessage(ctx, sess.ID, model.MessageEvent{Type: model.EventUserPrompt, Content: "hi"}))

	deleted, err := r.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err := r.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, found)

	msgs, err := r.ReadMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	deletedAgain, err := r.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, deletedAgain, "deleting an already-deleted session must report not-found, not error")
}

func TestRegistry_MessagesAreOrderedAndReplayLimited(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.AppendMessage(ctx, sess.ID, model.MessageEvent{
			Type:    model.EventAgentResponse,
			Content: strings.Repeat("m", 1) + string(rune('a'+i)),
		}))
	}

	all, err := r.ReadMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "ma", all[0].Content, "messages must come back in append order")

	last2, err := r.ReadMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "me", last2[1].Content, "limited replay must return the most recent entries")
}

func TestRegistry_LogsAreCappedAtMaxEntries(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", 0)
	require.NoError(t, err)

	for i := 0; i < maxLogEntries+10; i++ {
		require.NoError(t, r.AppendLog(ctx, sess.ID, model.LogInfo, "line", nil))
	}

	logs, err := r.ReadLogs(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(logs), maxLogEntries, "log stream must stay bounded at maxLogEntries")
}

func TestRegistry_ContextBlobRoundTrips(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	sess, err := r.Create(ctx, "build a widget", "node", 0)
	require.NoError(t, err)

	_, found, err := r.GetContext(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, found, "no context blob before SetContext")

	require.NoError(t, r.SetContext(ctx, sess.ID, []byte("tarball-bytes")))

	blob, found, err := r.GetContext(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tarball-bytes", string(blob))
}

func TestRegistry_ListActiveExcludesTerminatedAndPages(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := r.Create(ctx, "build a widget", "node", 0)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	terminated := model.StatusTerminated
	_, _, err := r.Update(ctx, ids[0], Patch{Status: &terminated})
	require.NoError(t, err)

	active, total, err := r.ListActive(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, active, 2)
	for _, sess := range active {
		assert.NotEqual(t, ids[0], sess.ID, "terminated session must not appear in ListActive")
	}

	paged, total, err := r.ListActive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "total must reflect the full active set regardless of paging")
	assert.Len(t, paged, 1)
}

func TestRegistry_TotalSessionsIsMonotonic(t *testing.T) {
	r := New(store.NewMemStore(), time.Hour)
	ctx := context.Background()

	n0, err := r.TotalSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n0)

	_, err = r.Create(ctx, "first", "node", 0)
	require.NoError(t, err)
	_, err = r.Create(ctx, "second", "node", 0)
	require.NoError(t, err)

	n2, err := r.TotalSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2)
}
