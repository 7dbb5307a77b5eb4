// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package lifecycle is the Session Lifecycle Controller: the state machine
// that drives a session through Initializing -> Ready -> Running ->
// Terminating -> Terminated (or Error, reachable from any non-terminal
// state), generalizing sessions.Manager's Create/Delete/Shutdown shape onto
// the queue's at-least-once job delivery and a remote, container-backed
// agent instead of an in-process PTY.
//
// Each handler takes (ctx, job) and re-reads the session record before
// mutating it rather than holding a lock across a suspension point,
// matching the optimistic, re-read-before-write convention the whole
// module follows for the coordination store.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rohanbojja/ottobot/internal/agent"
	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/fabric"
	"github.com/rohanbojja/ottobot/internal/id"
	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/metrics"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/ports"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/sandbox"
)

const (
	desktopReadyTimeout = 30 * time.Second
	stopGrace           = 2 * time.Second
	purgeDelay          = 5 * time.Minute
)

// DriverFactory starts a Driver bound to a session's tool endpoint. sid is
// the agent's ID. Controllers swap this out in tests for one that returns
// an agent.StubDriver.
type DriverFactory func(sid, toolBaseURL string) agent.Driver

// Controller is the Session Lifecycle Controller (C7).
type Controller struct {
	registry     *registry.Registry
	desktopPorts *ports.Allocator
	toolPorts    *ports.Allocator
	launcher     sandbox.Launcher
	fabric       *fabric.Fabric
	queue        *queue.Queue
	newDriver    DriverFactory

	agentImage   string
	network      string
	dataDir      string
	memoryLimit  string
	cpuShares    int64

	log     *logging.Logger
	metrics *metrics.Metrics

	agents *agentTable
}

// Deps bundles a Controller's collaborators, constructed once per process
// and handed to both the gateway (for Create/Terminate entry points) and
// the worker (for job handlers).
type Deps struct {
	Registry     *registry.Registry
	DesktopPorts *ports.Allocator
	ToolPorts    *ports.Allocator
	Launcher     sandbox.Launcher
	Fabric       *fabric.Fabric
	Queue        *queue.Queue
	NewDriver    DriverFactory
	Metrics      *metrics.Metrics

	AgentImage  string
	Network     string
	DataDir     string
	MemoryLimit string
	CPUShares   int64
}

// New returns a Controller wired to deps.
func New(deps Deps) *Controller {
	newDriver := deps.NewDriver
	if newDriver == nil {
		newDriver = func(sid, toolBaseURL string) agent.Driver {
			return agent.NewHTTPDriver(sid, toolBaseURL)
		}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		registry:     deps.Registry,
		desktopPorts: deps.DesktopPorts,
		toolPorts:    deps.ToolPorts,
		launcher:     deps.Launcher,
		fabric:       deps.Fabric,
		queue:        deps.Queue,
		newDriver:    newDriver,
		agentImage:   deps.AgentImage,
		network:      deps.Network,
		dataDir:      deps.DataDir,
		memoryLimit:  deps.MemoryLimit,
		cpuShares:    deps.CPUShares,
		log:          logging.New("lifecycle"),
		metrics:      m,
		agents:       newAgentTable(),
	}
}

// Metrics exposes the controller's Prometheus collector set, for the
// gateway's GET /metrics handler.
func (c *Controller) Metrics() *metrics.Metrics { return c.metrics }

// Launcher exposes the sandbox runtime backing this controller, for the
// gateway's GET /health probe.
func (c *Controller) Launcher() sandbox.Launcher { return c.launcher }

// CreateSession validates and records a new session, reserves its desktop
// port, and enqueues the CreateSession job that drives the rest of the
// Create path on a worker. Called from the gateway's POST /session handler.
func (c *Controller) CreateSession(ctx context.Context, prompt, environment string, timeout time.Duration) (*model.Session, error) {
	if err := registry.ValidatePrompt(prompt); err != nil {
		return nil, err
	}

	sess, err := c.registry.Create(ctx, prompt, environment, timeout)
	if err != nil {
		return nil, err
	}

	desktopPort, err := c.desktopPorts.Allocate(ctx, sess.ID)
	if err != nil {
		c.registry.Delete(ctx, sess.ID)
		return nil, apperr.Wrap(apperr.KindResourceExhausted, "no desktop port available", err)
	}
	dp := desktopPort
	sess, _, err = c.registry.Update(ctx, sess.ID, registry.Patch{DesktopPort: &dp})
	if err != nil {
		c.desktopPorts.Release(ctx, desktopPort)
		c.registry.Delete(ctx, sess.ID)
		return nil, err
	}

	jobID, err := id.New()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "generate job id", err)
	}
	job := model.Job{ID: jobID, Kind: model.JobCreateSession, SessionID: sess.ID}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "enqueue create job", err)
	}

	return sess, nil
}

// TerminateSession transitions a session to Terminating and enqueues the
// TerminateSession job that performs the actual teardown. Called from the
// gateway's DELETE /session/:id handler.
func (c *Controller) TerminateSession(ctx context.Context, sid string) (*model.Session, bool, error) {
	sess, found, err := c.registry.Get(ctx, sid)
	if err != nil || !found {
		return nil, found, err
	}
	if sess.Status.IsTerminal() {
		return sess, true, nil
	}

	status := model.StatusTerminating
	sess, _, err = c.registry.Update(ctx, sid, registry.Patch{Status: &status})
	if err != nil {
		return nil, false, err
	}

	jobID, err := id.New()
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindFatal, "generate job id", err)
	}
	job := model.Job{ID: jobID, Kind: model.JobTerminateSession, SessionID: sid}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return nil, false, apperr.Wrap(apperr.KindStore, "enqueue terminate job", err)
	}
	return sess, true, nil
}

// ProcessMessage enqueues a ProcessMessage job carrying the user's prompt
// for an already-Ready-or-Running session. Called from the gateway's chat
// websocket handler on each inbound frame.
func (c *Controller) ProcessMessage(ctx context.Context, sid, content string, timestamp int64) error {
	jobID, err := id.New()
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "generate job id", err)
	}
	job := model.Job{
		ID:        jobID,
		Kind:      model.JobProcessMessage,
		SessionID: sid,
		Payload:   map[string]any{"content": content, "timestamp": timestamp},
	}
	return c.queue.Enqueue(ctx, job)
}

// HandleJob dispatches job to the handler for its Kind, records the
// handler's duration and outcome in the metrics, and runs the
// cleanup-on-failure sequence when a CreateSession handler fails. A failed
// TerminateSession or ProcessMessage job gets no cleanup here.
func (c *Controller) HandleJob(ctx context.Context, workerID string, job model.Job) error {
	start := time.Now()
	var err error
	switch job.Kind {
	case model.JobCreateSession:
		err = c.handleCreate(ctx, workerID, job)
	case model.JobTerminateSession:
		err = c.handleTerminate(ctx, job)
	case model.JobProcessMessage:
		err = c.handleProcess(ctx, job)
	default:
		err = apperr.New(apperr.KindFatal, fmt.Sprintf("unknown job kind %q", job.Kind))
	}
	c.metrics.ObserveJob(string(job.Kind), time.Since(start), err)

	if err != nil && job.Kind == model.JobCreateSession {
		c.cleanupAfterFailure(ctx, job.SessionID, err)
	}
	return err
}

// ShutdownAgents stops every agent this worker currently has active, for
// use during the worker runtime's graceful drain.
func (c *Controller) ShutdownAgents(ctx context.Context) {
	for sid, drv := range c.agents.all() {
		if err := drv.Stop(ctx); err != nil {
			c.log.Printf("shutdown: stop agent for session %s: %v", sid, err)
		}
		c.agents.remove(sid)
	}
}

// cleanupAfterFailure runs the Create path's failure cleanup: a superset of
// Terminate, with every step independently best-effort so one failure
// cannot block the rest.
func (c *Controller) cleanupAfterFailure(ctx context.Context, sid string, cause error) {
	sess, found, _ := c.registry.Get(ctx, sid)

	if found && sess.SandboxID != "" {
		if err := c.launcher.Stop(sess.SandboxID); err != nil {
			c.log.Printf("cleanup: stop sandbox %s: %v", sess.SandboxID, err)
		}
		if err := c.launcher.Destroy(sess.SandboxID); err != nil {
			c.log.Printf("cleanup: destroy sandbox %s: %v", sess.SandboxID, err)
		}
	}
	if found {
		if sess.DesktopPort != 0 {
			if err := c.desktopPorts.Release(ctx, sess.DesktopPort); err != nil {
				c.log.Printf("cleanup: release desktop port: %v", err)
			}
		}
		if sess.ToolPort != 0 {
			if err := c.toolPorts.Release(ctx, sess.ToolPort); err != nil {
				c.log.Printf("cleanup: release tool port: %v", err)
			}
		}
	}
	c.agents.remove(sid)

	errMsg := cause.Error()
	status := model.StatusError
	if _, _, err := c.registry.Update(ctx, sid, registry.Patch{Status: &status, Error: &errMsg}); err != nil {
		c.log.Printf("cleanup: mark session %s error: %v", sid, err)
	}
}
