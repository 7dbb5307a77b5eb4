// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rohanbojja/ottobot/internal/agent"
	"github.com/rohanbojja/ottobot/internal/config"
	"github.com/rohanbojja/ottobot/internal/fabric"
	"github.com/rohanbojja/ottobot/internal/gateway"
	"github.com/rohanbojja/ottobot/internal/lifecycle"
	"github.com/rohanbojja/ottobot/internal/ports"
	"github.com/rohanbojja/ottobot/internal/queue"
	"github.com/rohanbojja/ottobot/internal/registry"
	"github.com/rohanbojja/ottobot/internal/sandbox"
	"github.com/rohanbojja/ottobot/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Mode != config.ModeAPI {
		log.Fatalf("cmd/api requires MODE=api, got %q", cfg.Mode)
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

	gw := gateway.New(gateway.Config{
		Controller:  ctrl,
		Registry:    reg,
		Fabric:      f,
		Queue:       q,
		Store:       st,
		Version:     "dev",
		CORSOrigins: cfg.CORSOrigins,
		RateLimit: gateway.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Burst:             cfg.RateLimitBurst,
		},
	})

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{Addr: addr, Handler: gw.Handler()}

	reapCtx, cancelReap := context.WithCancel(context.Background())
	defer cancelReap()
	go desktopPorts.RunReaper(reapCtx, cfg.ReclaimInterval, sessionLookup(reg))
	go toolPorts.RunReaper(reapCtx, cfg.ReclaimInterval, sessionLookup(reg))

	go func() {
		log.Printf("api listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
}

func sessionLookup(reg *registry.Registry) ports.SessionLookup {
	return func(ctx context.Context, sessionID string) (bool, bool) {
		sess, found, err := reg.Get(ctx, sessionID)
		if err != nil || !found {
			return false, false
		}
		return true, sess.Status.IsTerminal()
	}
}
