// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package model holds the data types shared across the orchestration
// plane's packages. They exist in their own package so that internal/store,
// internal/registry, internal/fabric, and internal/queue can all reference
// them without importing one another.
package model

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "Initializing"
	StatusReady         SessionStatus = "Ready"
	StatusRunning       SessionStatus = "Running"
	StatusTerminating   SessionStatus = "Terminating"
	StatusTerminated    SessionStatus = "Terminated"
	StatusError         SessionStatus = "Error"
)

// IsTerminal reports whether s is one of the lifecycle's terminal states.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusTerminated || s == StatusError
}

// Session is the durable record for one orchestration unit.
type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	InitialPrompt  string        `json:"initial_prompt"`
	Environment    string        `json:"environment,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	DesktopPort    int           `json:"desktop_port,omitempty"`
	ToolPort       int           `json:"tool_port,omitempty"`
	SandboxID      string        `json:"sandbox_id,omitempty"`
	WorkerID       string        `json:"worker_id,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// HasDesktopPort reports whether a desktop port has been allocated.
func (s *Session) HasDesktopPort() bool { return s.DesktopPort != 0 }

// HasToolPort reports whether a tool port has been allocated.
func (s *Session) HasToolPort() bool { return s.ToolPort != 0 }

// EventType enumerates the kinds of MessageEvent the chat channel carries.
type EventType string

const (
	EventUserPrompt     EventType = "UserPrompt"
	EventAgentThinking  EventType = "AgentThinking"
	EventAgentAction    EventType = "AgentAction"
	EventAgentResponse  EventType = "AgentResponse"
	EventSystemUpdate   EventType = "SystemUpdate"
	EventDownloadReady  EventType = "DownloadReady"
	EventError          EventType = "Error"
)

// EventMetadata carries the optional, typed side-channel fields a
// MessageEvent may attach.
type EventMetadata struct {
	ToolUsed       string `json:"tool_used,omitempty"`
	Progress       *int   `json:"progress,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
	Error          string `json:"error,omitempty"`
	DesktopReady   *bool  `json:"desktop_ready,omitempty"`
	SessionStatus  string `json:"session_status,omitempty"`
}

// MessageEvent is a typed record on a session's chat channel.
type MessageEvent struct {
	Type      EventType      `json:"type"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`

	// PublisherID and Seq are the de-dup stamp used by the message fabric,
	// which sets them on publish. They are not stripped: subscribers,
	// including the chat socket, receive and serialize them with the event.
	PublisherID string `json:"publisher_id,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
}

// LogLevel is a closed enum for SessionLog entries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one entry of a session's bounded append-only log.
type LogEntry struct {
	Timestamp int64                  `json:"ts"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// SandboxDescriptor is the opaque handle a worker holds for the container it
// created on behalf of a session.
type SandboxDescriptor struct {
	SandboxID   string    `json:"sandbox_id"`
	SessionID   string    `json:"session_id"`
	DesktopPort int       `json:"desktop_port"`
	ToolPort    int       `json:"tool_port"`
	CreatedAt   time.Time `json:"created_at"`
	MemoryLimit string    `json:"memory_limit"`
	CPUShares   int64     `json:"cpu_shares"`
}

// JobKind enumerates the work queue's job kinds.
type JobKind string

const (
	JobCreateSession    JobKind = "CreateSession"
	JobTerminateSession JobKind = "TerminateSession"
	JobProcessMessage   JobKind = "ProcessMessage"
)

// Priority returns the queue priority for kind under this module's chosen
// convention: lower numeric value is serviced first (see internal/queue's
// package doc and DESIGN.md "Open Question resolutions").
func (k JobKind) Priority() int {
	switch k {
	case JobTerminateSession:
		return 2
	default:
		return 1
	}
}

// Job is one unit of work on the durable queue.
type Job struct {
	ID        string         `json:"job_id"`
	Kind      JobKind        `json:"kind"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Attempts  int            `json:"attempts"`
	Priority  int            `json:"priority"`

	// NotBefore holds a job back from being claimed until this time has
	// passed, used to apply retry backoff after a Nack.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// WorkerStatus is the lifecycle state of a worker process.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "Active"
	WorkerStopping WorkerStatus = "Stopping"
	WorkerStopped  WorkerStatus = "Stopped"
)

// WorkerEntry is the durable heartbeat record for a worker process.
type WorkerEntry struct {
	WorkerID      string       `json:"worker_id"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}
