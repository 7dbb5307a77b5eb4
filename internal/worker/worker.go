// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package worker is the Worker Runtime (C8): the process that registers
// itself in the coordination store, pulls jobs off the work queue with a
// bounded pool of concurrent handlers, and drains gracefully on
// SIGINT/SIGTERM, generalizing the worker-server signal-handling idiom
// (register, serve, signal.Notify, graceful stop) onto a queue consumer
// instead of a gRPC listener.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/id"
	"github.com/rohanbojja/ottobot/internal/lifecycle"
	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/store"
)

const (
	statusTTL        = 5 * time.Minute
	heartbeatEvery   = 60 * time.Second
	dequeuePollEvery = 250 * time.Millisecond
)

func statusKey(id string) string { return "worker:" + id + ":status" }
func jobsKey(id string) string   { return "worker:" + id + ":jobs" }

// Runtime is one worker process's job loop over the controller and queue.
type Runtime struct {
	id          string
	store       store.Store
	registry    *registry.Registry
	queue       *queue.Queue
	controller  *lifecycle.Controller
	concurrency int
	drainTime   time.Duration
	log         *logging.Logger

	mu         sync.Mutex
	activeJobs int
}

// Config configures a Runtime.
type Config struct {
	Store           store.Store
	Registry        *registry.Registry
	Queue           *queue.Queue
	Controller      *lifecycle.Controller
	Concurrency     int
	DrainTimeout    time.Duration
	StalledInterval time.Duration
}

// New returns a Runtime with a generated worker ID.
func New(cfg Config) (*Runtime, error) {
	wid, err := id.New()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "generate worker id", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Runtime{
		id:          wid,
		store:       cfg.Store,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		controller:  cfg.Controller,
		concurrency: concurrency,
		drainTime:   cfg.DrainTimeout,
		log:         logging.New("worker." + wid[:8]),
	}, nil
}

// ID returns this runtime's worker ID.
func (r *Runtime) ID() string { return r.id }

// Run registers the worker, starts its heartbeat and job loop, and blocks
// until ctx is canceled or a SIGINT/SIGTERM arrives, at which point it
// drains in-flight jobs up to DrainTimeout before returning.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var g errgroup.Group
	g.Go(func() error { r.heartbeatLoop(runCtx); return nil })

	jobsDone := make(chan struct{})
	go func() {
		r.jobLoop(runCtx)
		close(jobsDone)
	}()

	select {
	case <-ctx.Done():
	case <-sigCh:
		r.log.Printf("received shutdown signal, draining")
	}

	if err := r.setStatus(context.Background(), model.WorkerStopping); err != nil {
		r.log.Printf("mark stopping: %v", err)
	}
	cancel()

	select {
	case <-jobsDone:
	case <-time.After(r.drainTime):
		r.log.Printf("drain timeout exceeded, forcing shutdown with %d job(s) still active", r.activeCount())
	}

	r.controller.ShutdownAgents(context.Background())

	if err := r.store.Del(context.Background(), statusKey(r.id)); err != nil {
		r.log.Printf("deregister: %v", err)
	}

	_ = g.Wait()
	return nil
}

func (r *Runtime) register(ctx context.Context) error {
	entry := model.WorkerEntry{WorkerID: r.id, Status: model.WorkerActive, LastHeartbeat: time.Now()}
	return r.writeStatus(ctx, entry)
}

func (r *Runtime) setStatus(ctx context.Context, status model.WorkerStatus) error {
	return r.writeStatus(ctx, model.WorkerEntry{WorkerID: r.id, Status: status, LastHeartbeat: time.Now()})
}

func (r *Runtime) writeStatus(ctx context.Context, entry model.WorkerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal worker status", err)
	}
	if err := r.store.SetEx(ctx, statusKey(r.id), string(data), statusTTL); err != nil {
		return apperr.Wrap(apperr.KindStore, "write worker status", err)
	}
	return nil
}

// heartbeatLoop refreshes this worker's status TTL every heartbeatEvery,
// so an expired TTL reliably means the process is gone, not merely slow.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.setStatus(ctx, model.WorkerActive); err != nil {
				r.log.Printf("heartbeat: %v", err)
			}
		}
	}
}

// jobLoop runs up to r.concurrency handlers concurrently, each pulling its
// own job from the queue via Dequeue's atomic claim, until ctx is canceled.
func (r *Runtime) jobLoop(ctx context.Context) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.concurrency)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		job, found, err := r.queue.Dequeue(ctx, r.id)
		if err != nil {
			r.log.Printf("dequeue: %v", err)
			<-sem
			time.Sleep(dequeuePollEvery)
			continue
		}
		if !found {
			<-sem
			time.Sleep(dequeuePollEvery)
			continue
		}

		wg.Add(1)
		r.incActive()
		go func(j model.Job) {
			defer wg.Done()
			defer r.decActive()
			defer func() { <-sem }()
			r.runJob(ctx, j)
		}(*job)
	}
}

func (r *Runtime) runJob(ctx context.Context, job model.Job) {
	if err := r.store.SAdd(ctx, jobsKey(r.id), job.ID); err != nil {
		r.log.Printf("record active job %s: %v", job.ID, err)
	}
	defer func() {
		if err := r.store.SRem(ctx, jobsKey(r.id), job.ID); err != nil {
			r.log.Printf("clear active job %s: %v", job.ID, err)
		}
	}()

	if err := r.controller.HandleJob(ctx, r.id, job); err != nil {
		r.log.Printf("job %s (%s) failed: %v", job.ID, job.Kind, err)
		if err := r.queue.Nack(ctx, job); err != nil {
			r.log.Printf("nack job %s: %v", job.ID, err)
		}
		return
	}
	if err := r.queue.Ack(ctx, job); err != nil {
		r.log.Printf("ack job %s: %v", job.ID, err)
	}
}

func (r *Runtime) incActive() {
	r.mu.Lock()
	r.activeJobs++
	r.mu.Unlock()
}

func (r *Runtime) decActive() {
	r.mu.Lock()
	r.activeJobs--
	r.mu.Unlock()
}

func (r *Runtime) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeJobs
}
