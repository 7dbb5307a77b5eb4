// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads the process's environment variables through
// viper, giving every field an env binding, a default, and a typed
// getter in one place.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects which role a process plays (the MODE environment variable).
type Mode string

const (
	ModeAPI    Mode = "api"
	ModeWorker Mode = "worker"
)

// Config is the fully-resolved configuration for either process role.
type Config struct {
	Mode Mode

	APIHost string
	APIPort int

	StoreHost     string
	StorePort     int
	StorePassword string

	WorkerConcurrency    int
	MaxSessionsPerWorker int
	WorkerDrainTimeout   time.Duration

	SessionTimeout time.Duration

	DesktopPortRangeStart int
	DesktopPortRangeEnd   int
	ToolPortRangeStart    int
	ToolPortRangeEnd      int

	ContainerMemoryLimit string
	ContainerCPULimit    float64
	ContainerNetwork     string
	AgentImage           string
	SandboxDataDir       string

	CORSOrigins        []string
	RateLimitPerMinute int
	RateLimitBurst     int

	PortLease       time.Duration
	ReclaimInterval time.Duration
	StalledInterval time.Duration
	MaxStalled      int
	PurgeDelay      time.Duration

	StaleSandboxAge     time.Duration
	SandboxReapInterval time.Duration

	LogLevel  string
	LogFormat string
}

// Load binds the process's environment variables and returns the
// resolved Config, applying documented defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "api")
	v.SetDefault("api_host", "0.0.0.0")
	v.SetDefault("api_port", 8080)

	v.SetDefault("store_host", "127.0.0.1")
	v.SetDefault("store_port", 6379)
	v.SetDefault("store_password", "")

	v.SetDefault("worker_concurrency", 2)
	v.SetDefault("max_sessions_per_worker", 50)
	v.SetDefault("worker_drain_timeout_seconds", 30)

	v.SetDefault("session_timeout", 3600)

	v.SetDefault("desktop_port_range_start", 6080)
	v.SetDefault("desktop_port_range_end", 6200)
	v.SetDefault("tool_port_range_start", 8080)
	v.SetDefault("tool_port_range_end", 8200)

	v.SetDefault("container_memory_limit", "2g")
	v.SetDefault("container_cpu_limit", 1.0)
	v.SetDefault("container_network", "bridge")
	v.SetDefault("agent_image", "ottobot/agent-sandbox:latest")
	v.SetDefault("sandbox_data_dir", "./ottobot-session-data")

	v.SetDefault("cors_origins", "")
	v.SetDefault("rate_limit_per_minute", 0)
	v.SetDefault("rate_limit_burst", 0)

	v.SetDefault("port_lease_seconds", 7200)
	v.SetDefault("reclaim_interval_seconds", 60)
	v.SetDefault("stalled_interval_seconds", 30)
	v.SetDefault("max_stalled", 3)
	v.SetDefault("purge_delay_seconds", 300)

	v.SetDefault("stale_sandbox_age_seconds", 21600)
	v.SetDefault("sandbox_reap_interval_seconds", 600)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	cfg := &Config{
		Mode: Mode(v.GetString("mode")),

		APIHost: v.GetString("api_host"),
		APIPort: v.GetInt("api_port"),

		StoreHost:     v.GetString("store_host"),
		StorePort:     v.GetInt("store_port"),
		StorePassword: v.GetString("store_password"),

		WorkerConcurrency:    v.GetInt("worker_concurrency"),
		MaxSessionsPerWorker: v.GetInt("max_sessions_per_worker"),
		WorkerDrainTimeout:   time.Duration(v.GetInt("worker_drain_timeout_seconds")) * time.Second,

		SessionTimeout: time.Duration(v.GetInt("session_timeout")) * time.Second,

		DesktopPortRangeStart: v.GetInt("desktop_port_range_start"),
		DesktopPortRangeEnd:   v.GetInt("desktop_port_range_end"),
		ToolPortRangeStart:    v.GetInt("tool_port_range_start"),
		ToolPortRangeEnd:      v.GetInt("tool_port_range_end"),

		ContainerMemoryLimit: v.GetString("container_memory_limit"),
		ContainerCPULimit:    v.GetFloat64("container_cpu_limit"),
		ContainerNetwork:     v.GetString("container_network"),
		AgentImage:           v.GetString("agent_image"),
		SandboxDataDir:       v.GetString("sandbox_data_dir"),

		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		RateLimitBurst:     v.GetInt("rate_limit_burst"),

		PortLease:       time.Duration(v.GetInt("port_lease_seconds")) * time.Second,
		ReclaimInterval: time.Duration(v.GetInt("reclaim_interval_seconds")) * time.Second,
		StalledInterval: time.Duration(v.GetInt("stalled_interval_seconds")) * time.Second,
		MaxStalled:      v.GetInt("max_stalled"),
		PurgeDelay:      time.Duration(v.GetInt("purge_delay_seconds")) * time.Second,

		StaleSandboxAge:     time.Duration(v.GetInt("stale_sandbox_age_seconds")) * time.Second,
		SandboxReapInterval: time.Duration(v.GetInt("sandbox_reap_interval_seconds")) * time.Second,

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	if origins := v.GetString("cors_origins"); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	if cfg.Mode != ModeAPI && cfg.Mode != ModeWorker {
		return nil, fmt.Errorf("config: invalid MODE %q, want %q or %q", cfg.Mode, ModeAPI, ModeWorker)
	}
	if cfg.DesktopPortRangeStart > cfg.DesktopPortRangeEnd {
		return nil, fmt.Errorf("config: DESKTOP_PORT_RANGE_START > END")
	}
	if cfg.ToolPortRangeStart > cfg.ToolPortRangeEnd {
		return nil, fmt.Errorf("config: TOOL_PORT_RANGE_START > END")
	}
	if rangesOverlap(cfg.DesktopPortRangeStart, cfg.DesktopPortRangeEnd, cfg.ToolPortRangeStart, cfg.ToolPortRangeEnd) {
		return nil, fmt.Errorf("config: desktop and tool port ranges must be disjoint")
	}

	return cfg, nil
}

func rangesOverlap(aLo, aHi, bLo, bHi int) bool {
	return aLo <= bHi && bLo <= aHi
}
