// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package sandbox is the Sandbox Supervisor: it creates, starts, stops, and
// destroys the per-session container that runs the coding agent and its
// desktop/tool endpoints. DockerLauncher backs the Launcher interface with
// the Docker Engine API; MockLauncher is an in-memory fake for tests.
package sandbox

import "time"

// MachineSize is a CPU/memory preset, applied unless Spec.CPUs/MemoryMB
// override it.
type MachineSize string

const (
	SizeSmall  MachineSize = "small"  // 1 CPU, 512MB RAM
	SizeMedium MachineSize = "medium" // 2 CPU, 1GB RAM
	SizeLarge  MachineSize = "large"  // 4 CPU, 2GB RAM
)

// MachineSpec describes the container to launch for one session.
type MachineSpec struct {
	// Name is a human-readable identifier, used as the container name.
	Name string

	// SessionID is stamped onto the container as the SessionLabelKey label,
	// so ReapStale can find every container this system created regardless
	// of its container name.
	SessionID string

	// Image is the agent sandbox image to run.
	Image string

	// Size is the machine size preset.
	Size MachineSize

	// CPUs is the number of CPU cores (overrides Size); translated to
	// Docker CPU shares at 1024 shares per core.
	CPUs int

	// MemoryMB is the memory limit in megabytes (overrides Size).
	MemoryMB int

	// Env is the environment passed into the container.
	Env map[string]string

	// Network is the Docker network to attach the container to.
	Network string

	// DesktopHostPort and ToolHostPort are the allocator-assigned host
	// ports published to the container's fixed internal desktop/tool
	// ports.
	DesktopHostPort int
	ToolHostPort    int

	// WorkspaceMount is the host directory bind-mounted into the
	// container's workspace path; empty disables the bind mount.
	WorkspaceMount string

	// NoNewPrivileges and User harden the container: no-new-privileges
	// disables privilege escalation via setuid binaries, and User pins
	// the process to a non-root UID inside the image.
	NoNewPrivileges bool
	User            string
}

const (
	desktopContainerPort = 6080
	toolContainerPort    = 8080
	workspaceMountPath   = "/workspace"

	// SessionLabelKey is the container label ReapStale filters on to find
	// every sandbox this system created, independent of container naming.
	SessionLabelKey = "ottobot.session_id"
)

// DefaultSpec returns a default machine spec.
func DefaultSpec() MachineSpec {
	return MachineSpec{
		Image:           "ottobot-sandbox:latest",
		Size:            SizeMedium,
		Env:             make(map[string]string),
		NoNewPrivileges: true,
		User:            "sandbox",
	}
}

// ApplySize applies CPU and memory based on the size preset, for any field
// the caller left at its zero value.
func (s *MachineSpec) ApplySize() {
	switch s.Size {
	case SizeSmall:
		if s.CPUs == 0 {
			s.CPUs = 1
		}
		if s.MemoryMB == 0 {
			s.MemoryMB = 512
		}
	case SizeLarge:
		if s.CPUs == 0 {
			s.CPUs = 4
		}
		if s.MemoryMB == 0 {
			s.MemoryMB = 2048
		}
	default: // SizeMedium and unrecognized values
		if s.CPUs == 0 {
			s.CPUs = 2
		}
		if s.MemoryMB == 0 {
			s.MemoryMB = 1024
		}
	}
}

// MachineState is the current state of a machine.
type MachineState string

const (
	StateCreated   MachineState = "created"
	StateStarting  MachineState = "starting"
	StateStarted   MachineState = "started"
	StateStopping  MachineState = "stopping"
	StateStopped   MachineState = "stopped"
	StateDestroyed MachineState = "destroyed"
	StateUnknown   MachineState = "unknown"
)

// Machine is a running (or stopped) sandbox container.
type Machine struct {
	// ID is the Docker container ID.
	ID string

	// Name is the human-readable name.
	Name string

	// State is the current machine state.
	State MachineState

	// PrivateIP is the container's address on its attached network.
	PrivateIP string

	// CreatedAt is when the machine was created.
	CreatedAt time.Time

	// Spec is the machine specification used to create this machine.
	Spec MachineSpec
}

// Launcher creates and manages sandbox machines.
type Launcher interface {
	// Create creates a new machine with the given spec.
	Create(spec MachineSpec) (*Machine, error)

	// Get retrieves a machine by ID.
	Get(id string) (*Machine, error)

	// Start starts a stopped machine.
	Start(id string) error

	// Stop stops a running machine.
	Stop(id string) error

	// Destroy destroys a machine.
	Destroy(id string) error

	// Wait waits for a machine to reach the specified state.
	Wait(id string, state MachineState, timeout time.Duration) error

	// WaitForDesktop blocks until the machine's published desktop port
	// answers, or timeout elapses.
	WaitForDesktop(id string, hostPort int, timeout time.Duration) error

	// ReapStale destroys machines older than maxAge carrying the given
	// label, returning how many were removed.
	ReapStale(labelKey, labelValue string, maxAge time.Duration) (int, error)

	// Ping reports whether the runtime backing this launcher is reachable,
	// used by the gateway's GET /health probe.
	Ping() error
}
