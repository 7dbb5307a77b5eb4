// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanbojja/ottobot/internal/agent"
	"github.com/rohanbojja/ottobot/internal/fabric"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/ports"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/sandbox"
	"github.com/rohanbojja/ottobot/internal/store"
)

func newTestController(t *testing.T, stub *agent.StubDriver) *Controller {
	t.Helper()
	st := store.NewMemStore()
	f, err := fabric.New(st)
	require.NoError(t, err)

	return New(Deps{
		Registry:     registry.New(st, time.Hour),
		DesktopPorts: ports.New(ports.KindDesktop, 6080, 6089, time.Hour, st),
		ToolPorts:    ports.New(ports.KindTool, 8080, 8089, time.Hour, st),
		Launcher:     sandbox.NewMockLauncher(),
		Fabric:       f,
		Queue:        queue.New(st, time.Minute, 0),
		NewDriver:    func(sid, toolBaseURL string) agent.Driver { return stub },
		AgentImage:   "ottobot-sandbox:latest",
		Network:      "bridge",
		DataDir:      "/tmp/ottobot-session-data",
	})
}

func TestController_CreateSessionReachesReady(t *testing.T) {
	stub := agent.NewStubDriver("a1")
	c := newTestController(t, stub)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInitializing, sess.Status)
	assert.NotZero(t, sess.DesktopPort)

	job, found, err := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobCreateSession, job.Kind)

	require.NoError(t, c.HandleJob(ctx, "w1", *job))

	got, found, err := c.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.NotEmpty(t, got.SandboxID)
	assert.NotZero(t, got.ToolPort)
}

func TestController_CreateSessionCleansUpOnSandboxFailure(t *testing.T) {
	stub := agent.NewStubDriver("a1")
	c := newTestController(t, stub)
	launcher := c.launcher.(*sandbox.MockLauncher)
	launcher.FailCreate = true
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)

	job, found, err := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)

	err = c.HandleJob(ctx, "w1", *job)
	assert.Error(t, err)

	got, found, err := c.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusError, got.Status)

	_, heldDesktop, err := c.desktopPorts.Owner(ctx, got.DesktopPort)
	require.NoError(t, err)
	assert.False(t, heldDesktop, "desktop port must be released on create failure")
}

func TestController_CreateSessionHaltsWhenTerminateRacesInDuringStart(t *testing.T) {
	stub := agent.NewStubDriver("a1")
	c := newTestController(t, stub)
	launcher := c.launcher.(*sandbox.MockLauncher)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)

	launcher.StartHook = func() {
		terminating := model.StatusTerminating
		_, _, err := c.registry.Update(ctx, sess.ID, registry.Patch{Status: &terminating})
		require.NoError(t, err)
	}

	job, found, err := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, c.HandleJob(ctx, "w1", *job))

	got, found, err := c.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusTerminating, got.Status, "Create must not overwrite a concurrent Terminate back to Ready")
}

func TestController_ProcessMessagePublishesUserPromptBeforeAgentOutput(t *testing.T) {
	stub := agent.NewStubDriver("a1", agent.Event{Type: "AgentResponse", Content: "done"})
	c := newTestController(t, stub)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)
	job, _, _ := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, c.HandleJob(ctx, "w1", *job))

	sub, cancel, err := c.fabric.Subscribe(ctx, sess.ID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.ProcessMessage(ctx, sess.ID, "hello", time.Now().UnixMilli()))
	pjob, found, err := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, c.HandleJob(ctx, "w1", *pjob))

	first := <-sub
	assert.Equal(t, model.EventUserPrompt, first.Type)
	second := <-sub
	assert.Equal(t, model.EventType("AgentResponse"), second.Type)
}

func TestController_ProcessMessagePublishesErrorEventOnAgentFailure(t *testing.T) {
	stub := agent.NewStubDriver("a1")
	c := newTestController(t, stub)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)
	job, _, _ := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, c.HandleJob(ctx, "w1", *job))

	sub, cancel, err := c.fabric.Subscribe(ctx, sess.ID)
	require.NoError(t, err)
	defer cancel()

	stub.FailInvoke = errors.New("agent exploded")
	require.NoError(t, c.ProcessMessage(ctx, sess.ID, "hello", time.Now().UnixMilli()))
	pjob, found, err := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	err = c.HandleJob(ctx, "w1", *pjob)
	assert.Error(t, err, "the wrapped agent error must still propagate to the caller")

	first := <-sub
	assert.Equal(t, model.EventUserPrompt, first.Type)
	second := <-sub
	assert.Equal(t, model.EventError, second.Type, "an Invoke failure must surface as an Error event on the chat socket")
	require.NotNil(t, second.Metadata)
	assert.Contains(t, second.Metadata.Error, "agent exploded")
}

func TestController_TerminateSessionReleasesPortsAndStopsSandbox(t *testing.T) {
	stub := agent.NewStubDriver("a1")
	c := newTestController(t, stub)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)
	cjob, _, _ := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, c.HandleJob(ctx, "w1", *cjob))

	got, _, err := c.TerminateSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminating, got.Status)

	tjob, found, err := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, c.HandleJob(ctx, "w1", *tjob))

	final, found, err := c.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusTerminated, final.Status)

	_, heldDesktop, err := c.desktopPorts.Owner(ctx, final.DesktopPort)
	require.NoError(t, err)
	assert.False(t, heldDesktop)

	launcher := c.launcher.(*sandbox.MockLauncher)
	assert.Equal(t, 0, launcher.Count(), "sandbox must be destroyed")
}

func TestController_TerminateIsIdempotentOnRedeliveredJob(t *testing.T) {
	stub := agent.NewStubDriver("a1")
	c := newTestController(t, stub)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "build me a thing", "node", 0)
	require.NoError(t, err)
	cjob, _, _ := c.queue.Dequeue(ctx, "w1")
	require.NoError(t, c.HandleJob(ctx, "w1", *cjob))

	tjob := model.Job{ID: "t1", Kind: model.JobTerminateSession, SessionID: sess.ID}
	require.NoError(t, c.handleTerminate(ctx, tjob))
	require.NoError(t, c.handleTerminate(ctx, tjob), "redelivered terminate must not error")
}
