// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanbojja/ottobot/internal/agent"
	"github.com/rohanbojja/ottobot/internal/fabric"
	"github.com/rohanbojja/ottobot/internal/lifecycle"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/ports"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/sandbox"
	"github.com/rohanbojja/ottobot/internal/store"
)

func newTestRuntime(t *testing.T, st store.Store) *Runtime {
	t.Helper()
	f, err := fabric.New(st)
	require.NoError(t, err)
	reg := registry.New(st, time.Hour)
	q := queue.New(st, time.Minute, 0)
	ctrl := lifecycle.New(lifecycle.Deps{
		Registry:     reg,
		DesktopPorts: ports.New(ports.KindDesktop, 6080, 6089, time.Hour, st),
		ToolPorts:    ports.New(ports.KindTool, 8080, 8089, time.Hour, st),
		Launcher:     sandbox.NewMockLauncher(),
		Fabric:       f,
		Queue:        q,
		NewDriver:    func(sid, toolBaseURL string) agent.Driver { return agent.NewStubDriver(sid) },
	})

	rt, err := New(Config{
		Store:        st,
		Registry:     reg,
		Queue:        q,
		Controller:   ctrl,
		Concurrency:  2,
		DrainTimeout: time.Second,
	})
	require.NoError(t, err)
	return rt
}

func TestRuntime_RegisterWritesActiveStatus(t *testing.T) {
	st := store.NewMemStore()
	rt := newTestRuntime(t, st)
	ctx := context.Background()

	require.NoError(t, rt.register(ctx))

	summaries, err := ListActive(ctx, st)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, rt.ID(), summaries[0].ID)
	assert.True(t, summaries[0].Active)
}

func TestRuntime_RunDrainsAndDeregistersOnCancel(t *testing.T) {
	st := store.NewMemStore()
	rt := newTestRuntime(t, st)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, rt.Run(ctx))

	_, found, err := st.Get(context.Background(), statusKey(rt.ID()))
	require.NoError(t, err)
	assert.False(t, found, "worker status key must be removed on clean shutdown")
}

func TestRuntime_ProcessesEnqueuedJob(t *testing.T) {
	st := store.NewMemStore()
	rt := newTestRuntime(t, st)
	ctx := context.Background()

	sess, err := rt.registry.Create(ctx, "hello world", "node", time.Hour)
	require.NoError(t, err)
	require.NoError(t, rt.queue.Enqueue(ctx, model.Job{ID: "j1", Kind: model.JobCreateSession, SessionID: sess.ID}))

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, rt.Run(runCtx))

	got, found, err := rt.registry.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, model.StatusInitializing, got.Status, "job must have been claimed and progressed past Initializing")
}
