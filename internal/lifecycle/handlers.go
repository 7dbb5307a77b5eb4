// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rohanbojja/ottobot/internal/agent"
	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/sandbox"
)

// progressEvent publishes a SystemUpdate carrying a fixed-percent progress
// marker, the queue-job observability convention this controller reports
// Create progress through.
func (c *Controller) progressEvent(ctx context.Context, sid string, pct int) {
	p := pct
	evt := model.MessageEvent{
		Type:      model.EventSystemUpdate,
		Content:   fmt.Sprintf("create: %d%%", pct),
		Timestamp: time.Now().UnixMilli(),
		Metadata:  &model.EventMetadata{Progress: &p},
	}
	if err := c.registry.AppendMessage(ctx, sid, evt); err != nil {
		c.log.Printf("session %s: append progress event: %v", sid, err)
	}
	if err := c.fabric.Publish(ctx, sid, evt); err != nil {
		c.log.Printf("session %s: publish progress event: %v", sid, err)
	}
}

// haltedByTerminate re-reads sid and reports whether a concurrent
// TerminateSession has already moved it to Terminating or a terminal
// status, so a long-running Create can bail out instead of overwriting the
// terminate back to a non-terminal status.
func (c *Controller) haltedByTerminate(ctx context.Context, sid string) (*model.Session, bool, error) {
	sess, found, err := c.registry.Get(ctx, sid)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, true, nil
	}
	return sess, sess.Status == model.StatusTerminating || sess.Status.IsTerminal(), nil
}

// handleCreate runs the Create path (the hardest path): claim the job onto
// this worker, reserve a tool port, materialize and start the sandbox,
// wait for desktop readiness, spawn the agent, and flip the session to
// Ready. The session is re-read after every suspension point (sandbox
// create, start, desktop-ready wait, agent spawn), so a Terminate racing in
// mid-flight is observed on the next re-read and short-circuits the rest of
// Create instead of fighting it and overwriting Terminating back to Ready.
func (c *Controller) handleCreate(ctx context.Context, workerID string, job model.Job) error {
	sid := job.SessionID
	c.progressEvent(ctx, sid, 10)

	sess, found, err := c.registry.Get(ctx, sid)
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.KindNotFound, "session vanished before create")
	}
	if sess.Status == model.StatusTerminating || sess.Status.IsTerminal() {
		return nil // a terminate raced in; let the terminate handler own cleanup
	}

	wid := workerID
	sess, _, err = c.registry.Update(ctx, sid, registry.Patch{WorkerID: &wid})
	if err != nil {
		return err
	}

	// Idempotence: a redelivered job that already has a sandbox_id skips
	// straight to start-or-wait instead of creating a second container.
	if sess.SandboxID == "" {
		c.progressEvent(ctx, sid, 30)

		toolPort, err := c.toolPorts.Allocate(ctx, sid)
		if err != nil {
			return apperr.Wrap(apperr.KindResourceExhausted, "no tool port available", err)
		}

		spec := sandbox.DefaultSpec()
		spec.Name = "ottobot-" + sid
		spec.SessionID = sid
		spec.Image = c.agentImage
		spec.Network = c.network
		spec.DesktopHostPort = sess.DesktopPort
		spec.ToolHostPort = toolPort
		spec.WorkspaceMount = c.dataDir + "/" + sid
		if c.memoryLimit != "" {
			spec.MemoryMB = memoryMBFromLimit(c.memoryLimit)
		}
		if cpus := int(c.cpuShares / 1024); cpus > 0 {
			spec.CPUs = cpus
		}
		spec.Env = map[string]string{
			"SESSION_ID":  sid,
			"ENVIRONMENT": sess.Environment,
			"DESKTOP_PORT": fmt.Sprintf("%d", sess.DesktopPort),
			"TOOL_PORT":   fmt.Sprintf("%d", toolPort),
		}

		machine, err := c.launcher.Create(spec)
		if err != nil {
			c.toolPorts.Release(ctx, toolPort)
			return apperr.Wrap(apperr.KindSandbox, "create sandbox", err)
		}

		tp := toolPort
		sbID := machine.ID
		sess, _, err = c.registry.Update(ctx, sid, registry.Patch{SandboxID: &sbID, ToolPort: &tp})
		if err != nil {
			return err
		}
	}

	if sess.Status == model.StatusTerminating || sess.Status.IsTerminal() {
		return nil
	}
	if sess.Status == model.StatusReady || sess.Status == model.StatusRunning {
		// Idempotence: already Ready; emit a repeat SystemUpdate and return.
		c.progressEvent(ctx, sid, 100)
		return nil
	}

	c.progressEvent(ctx, sid, 50)
	if err := c.launcher.Start(sess.SandboxID); err != nil {
		return apperr.Wrap(apperr.KindSandbox, "start sandbox", err)
	}
	sess, halted, err := c.haltedByTerminate(ctx, sid)
	if err != nil {
		return err
	}
	if halted {
		return nil
	}

	c.progressEvent(ctx, sid, 70)
	if err := c.launcher.WaitForDesktop(sess.SandboxID, sess.DesktopPort, desktopReadyTimeout); err != nil {
		return apperr.Wrap(apperr.KindReadinessTimeout, "desktop never became ready", err)
	}
	sess, halted, err = c.haltedByTerminate(ctx, sid)
	if err != nil {
		return err
	}
	if halted {
		return nil
	}

	c.progressEvent(ctx, sid, 90)
	toolBaseURL := fmt.Sprintf("http://127.0.0.1:%d", sess.ToolPort)
	drv := c.newDriver(sid, toolBaseURL)
	if waiter, ok := drv.(interface{ WaitReady(context.Context) error }); ok {
		if err := waiter.WaitReady(ctx); err != nil {
			return apperr.Wrap(apperr.KindAgent, "agent tool endpoint never became ready", err)
		}
	}
	c.agents.put(sid, drv)

	if _, halted, err := c.haltedByTerminate(ctx, sid); err != nil {
		return err
	} else if halted {
		return nil
	}

	readyTrue := true
	status := model.StatusReady
	if _, _, err := c.registry.Update(ctx, sid, registry.Patch{Status: &status}); err != nil {
		return err
	}

	c.progressEvent(ctx, sid, 100)
	evt := model.MessageEvent{
		Type:      model.EventSystemUpdate,
		Content:   "desktop ready",
		Timestamp: time.Now().UnixMilli(),
		Metadata:  &model.EventMetadata{DesktopReady: &readyTrue, SessionStatus: string(model.StatusReady)},
	}
	if err := c.registry.AppendMessage(ctx, sid, evt); err != nil {
		c.log.Printf("session %s: append desktop-ready event: %v", sid, err)
	}
	return c.fabric.Publish(ctx, sid, evt)
}

// handleProcess runs the Process path: load the session, find (or
// rehydrate) its local agent, publish the user's prompt, and invoke the
// agent against it. The user prompt is always published before any agent
// output, independent of which recovery branch runs.
func (c *Controller) handleProcess(ctx context.Context, job model.Job) error {
	sid := job.SessionID
	sess, found, err := c.registry.Get(ctx, sid)
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.KindNotFound, "session vanished before process")
	}

	content, _ := job.Payload["content"].(string)

	drv, ok := c.agents.get(sid)
	if !ok {
		if sess.ToolPort == 0 {
			return apperr.New(apperr.KindAgent, "no local agent and no tool port to rehydrate against")
		}
		toolBaseURL := fmt.Sprintf("http://127.0.0.1:%d", sess.ToolPort)
		drv = c.newDriver(sid, toolBaseURL)
		c.agents.put(sid, drv)
	}

	status := model.StatusRunning
	if _, _, err := c.registry.Update(ctx, sid, registry.Patch{Status: &status}); err != nil {
		return err
	}

	userEvt := model.MessageEvent{Type: model.EventUserPrompt, Content: content, Timestamp: time.Now().UnixMilli()}
	if err := c.registry.AppendMessage(ctx, sid, userEvt); err != nil {
		c.log.Printf("session %s: append user prompt: %v", sid, err)
	}
	if err := c.fabric.Publish(ctx, sid, userEvt); err != nil {
		c.log.Printf("session %s: publish user prompt: %v", sid, err)
	}

	onEvent := func(e agent.Event) {
		evt := model.MessageEvent{
			Type:      model.EventType(e.Type),
			Content:   e.Content,
			Timestamp: time.Now().UnixMilli(),
		}
		if e.ToolUsed != "" || e.Progress != nil || e.Err != "" {
			evt.Metadata = &model.EventMetadata{ToolUsed: e.ToolUsed, Progress: e.Progress, Error: e.Err}
		}
		if err := c.registry.AppendMessage(ctx, sid, evt); err != nil {
			c.log.Printf("session %s: append agent event: %v", sid, err)
		}
		if err := c.fabric.Publish(ctx, sid, evt); err != nil {
			c.log.Printf("session %s: publish agent event: %v", sid, err)
		}
	}

	if err := drv.Invoke(ctx, content, onEvent); err != nil {
		wrapped := apperr.Wrap(apperr.KindAgent, "invoke agent", err)
		errEvt := model.MessageEvent{
			Type:      model.EventError,
			Content:   wrapped.Error(),
			Timestamp: time.Now().UnixMilli(),
			Metadata:  &model.EventMetadata{Error: wrapped.Error()},
		}
		if err := c.registry.AppendMessage(ctx, sid, errEvt); err != nil {
			c.log.Printf("session %s: append error event: %v", sid, err)
		}
		if err := c.fabric.Publish(ctx, sid, errEvt); err != nil {
			c.log.Printf("session %s: publish error event: %v", sid, err)
		}
		return wrapped
	}
	return nil
}

// handleTerminate runs the Terminate path: every step is independently
// idempotent, so a redelivered TerminateSession job that already freed the
// ports or removed the sandbox just observes "already gone" and moves on.
func (c *Controller) handleTerminate(ctx context.Context, job model.Job) error {
	sid := job.SessionID
	sess, found, err := c.registry.Get(ctx, sid)
	if err != nil {
		return err
	}
	if !found {
		return nil // already fully cleaned up
	}

	if drv, ok := c.agents.get(sid); ok {
		if err := drv.Stop(ctx); err != nil {
			c.log.Printf("session %s: stop agent: %v", sid, err)
		}
		c.agents.remove(sid)
	}

	if sess.SandboxID != "" {
		if err := c.launcher.Stop(sess.SandboxID); err != nil && !isNotFoundOrAlready(err) {
			c.log.Printf("session %s: stop sandbox: %v", sid, err)
		}
		time.Sleep(stopGrace)
		if err := c.launcher.Destroy(sess.SandboxID); err != nil && !isNotFoundOrAlready(err) {
			c.log.Printf("session %s: destroy sandbox: %v", sid, err)
		}
	}

	if sess.DesktopPort != 0 {
		if err := c.desktopPorts.Release(ctx, sess.DesktopPort); err != nil {
			c.log.Printf("session %s: release desktop port: %v", sid, err)
		}
	}
	if sess.ToolPort != 0 {
		if err := c.toolPorts.Release(ctx, sess.ToolPort); err != nil {
			c.log.Printf("session %s: release tool port: %v", sid, err)
		}
	}

	status := model.StatusTerminated
	if _, _, err := c.registry.Update(ctx, sid, registry.Patch{Status: &status}); err != nil {
		return err
	}

	go c.purgeAfterDelay(sid)
	return nil
}

// purgeAfterDelay deletes the session's store keys purgeDelay after
// termination, giving a just-disconnected client a window to still fetch
// logs via GET /session/:id/logs.
func (c *Controller) purgeAfterDelay(sid string) {
	time.Sleep(purgeDelay)
	ctx := context.Background()
	if _, err := c.registry.Delete(ctx, sid); err != nil {
		c.log.Printf("session %s: delayed purge: %v", sid, err)
	}
}

func isNotFoundOrAlready(err error) bool {
	return errors.Is(err, sandbox.ErrMachineNotFound)
}

func memoryMBFromLimit(limit string) int {
	// CONTAINER_MEMORY_LIMIT is a Docker-style size string ("2g", "512m");
	// spec.MemoryMB wants plain megabytes, so a light parse is enough —
	// MachineSpec.ApplySize already supplies a size-preset fallback for
	// anything this can't parse.
	var n int
	var unit byte
	if _, err := fmt.Sscanf(limit, "%d%c", &n, &unit); err != nil {
		return 0
	}
	switch unit {
	case 'g', 'G':
		return n * 1024
	case 'm', 'M':
		return n
	default:
		return 0
	}
}
