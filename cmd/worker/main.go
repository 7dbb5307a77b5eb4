// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"log"
	"time"

	"github.com/rohanbojja/ottobot/internal/agent"
	"github.com/rohanbojja/ottobot/internal/config"
	"github.com/rohanbojja/ottobot/internal/fabric"
	"github.com/rohanbojja/ottobot/internal/lifecycle"
	"github.com/rohanbojja/ottobot/internal/ports"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/sandbox"
	"github.com/rohanbojja/ottobot/internal/store"
	"github.com/rohanbojja/ottobot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Mode != config.ModeWorker {
		log.Fatalf("cmd/worker requires MODE=worker, got %q", cfg.Mode)
	}

	st := store.NewRedisStore(store.RedisOptions{
		Host:     cfg.StoreHost,
		Port:     cfg.StorePort,
		Password: cfg.StorePassword,
	})
	defer st.Close()

	f, err := fabric.New(st)
	if err != nil {
		log.Fatalf("start fabric: %v", err)
	}
	defer f.Close()

	reg := registry.New(st, cfg.SessionTimeout)
	q := queue.New(st, cfg.StalledInterval, cfg.MaxStalled)
	desktopPorts := ports.New(ports.KindDesktop, cfg.DesktopPortRangeStart, cfg.DesktopPortRangeEnd, cfg.PortLease, st)
	toolPorts := ports.New(ports.KindTool, cfg.ToolPortRangeStart, cfg.ToolPortRangeEnd, cfg.PortLease, st)

	launcher, err := sandbox.NewDockerLauncher()
	if err != nil {
		log.Fatalf("connect to docker: %v", err)
	}

	ctrl := lifecycle.New(lifecycle.Deps{
		Registry:     reg,
		DesktopPorts: desktopPorts,
		ToolPorts:    toolPorts,
		Launcher:     launcher,
		Fabric:       f,
		Queue:        q,
		NewDriver:    func(sid, toolBaseURL string) agent.Driver { return agent.NewHTTPDriver(sid, toolBaseURL) },
		AgentImage:   cfg.AgentImage,
		Network:      cfg.ContainerNetwork,
		DataDir:      cfg.SandboxDataDir,
		MemoryLimit:  cfg.ContainerMemoryLimit,
		CPUShares:    int64(cfg.ContainerCPULimit * 1024),
	})

	rt, err := worker.New(worker.Config{
		Store:           st,
		Registry:        reg,
		Queue:           q,
		Controller:      ctrl,
		Concurrency:     cfg.WorkerConcurrency,
		DrainTimeout:    cfg.WorkerDrainTimeout,
		StalledInterval: cfg.StalledInterval,
	})
	if err != nil {
		log.Fatalf("start worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.RunStallReaper(ctx, cfg.StalledInterval)
	go runSandboxReaper(ctx, launcher, cfg.SandboxReapInterval, cfg.StaleSandboxAge)

	// Run itself listens for SIGINT/SIGTERM and drains in place; ctx here
	// is the stall and sandbox reapers' lifetime, canceled once Run returns.
	log.Printf("worker %s starting", rt.ID())
	if err := rt.Run(context.Background()); err != nil {
		log.Fatalf("worker run: %v", err)
	}
}

// runSandboxReaper periodically destroys any sandbox this system created
// (identified by sandbox.SessionLabelKey) that has outlived maxAge, cleaning
// up after a worker that crashed before its own Terminate handler ran.
func runSandboxReaper(ctx context.Context, launcher sandbox.Launcher, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := launcher.ReapStale(sandbox.SessionLabelKey, "", maxAge)
			if err != nil {
				log.Printf("sandbox reap failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("reaped %d stale sandbox(es)", n)
			}
		}
	}
}
