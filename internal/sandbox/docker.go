// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/rohanbojja/ottobot/internal/logging"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrTimeout         = errors.New("timeout waiting for machine state")
	ErrAPIError        = errors.New("docker api error")
)

// DockerLauncher implements Launcher over the Docker Engine API.
type DockerLauncher struct {
	cli          *client.Client
	pollInterval time.Duration
	probeClient  *http.Client
	log          *logging.Logger
}

// DockerOption configures a DockerLauncher.
type DockerOption func(*DockerLauncher)

// WithPollInterval sets the polling interval used by Wait.
func WithPollInterval(d time.Duration) DockerOption {
	return func(l *DockerLauncher) { l.pollInterval = d }
}

// NewDockerLauncher dials the Docker daemon over its default host socket
// (respecting DOCKER_HOST if set) and returns a launcher.
func NewDockerLauncher(opts ...DockerOption) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPIError, err)
	}
	l := &DockerLauncher{
		cli:          cli,
		pollInterval: 500 * time.Millisecond,
		probeClient:  &http.Client{Timeout: 2 * time.Second},
		log:          logging.New("sandbox.docker"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Create pulls no image implicitly; the configured image must already be
// present on the daemon. It starts the container with bind mounts,
// published ports, resource limits, and the hardening flags from spec.
func (l *DockerLauncher) Create(spec MachineSpec) (*Machine, error) {
	spec.ApplySize()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exposedPorts, portBindings := l.portConfig(spec)

	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Resources: container.Resources{
			Memory:    int64(spec.MemoryMB) * 1024 * 1024,
			CPUShares: int64(spec.CPUs) * 1024,
		},
		NetworkMode: l.networkMode(spec),
	}
	if spec.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges")
	}
	if spec.WorkspaceMount != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceMount,
			Target: workspaceMountPath,
		}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          toEnvSlice(spec.Env),
		ExposedPorts: exposedPorts,
		User:         spec.User,
		Labels:       map[string]string{SessionLabelKey: spec.SessionID},
	}

	netCfg := &network.NetworkingConfig{}

	resp, err := l.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrAPIError, err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrAPIError, err)
	}

	return l.toMachine(ctx, resp.ID, spec)
}

// Get retrieves a machine by container ID.
func (l *DockerLauncher) Get(id string) (*Machine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.toMachine(ctx, id, MachineSpec{})
}

// Start starts a stopped container.
func (l *DockerLauncher) Start(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return l.translateErr(err)
	}
	return nil
}

// Stop stops a running container, giving the agent process 10s to exit
// cleanly before it is killed.
func (l *DockerLauncher) Stop(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	timeout := 10
	if err := l.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return l.translateErr(err)
	}
	return nil
}

// Destroy force-removes a container, stopped or not.
func (l *DockerLauncher) Destroy(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return l.translateErr(err)
	}
	return nil
}

// Wait polls Get until the machine reaches state or timeout elapses.
func (l *DockerLauncher) Wait(id string, state MachineState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		machine, err := l.Get(id)
		if err != nil {
			return err
		}
		if machine.State == state {
			return nil
		}
		time.Sleep(l.pollInterval)
	}
	return ErrTimeout
}

// WaitForDesktop polls the container's published desktop port for an HTTP
// response, used to know when the session's remote desktop is reachable
// rather than merely "container started".
func (l *DockerLauncher) WaitForDesktop(id string, hostPort int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/vnc.html", hostPort)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodHead, url, nil)
		if err == nil {
			if resp, err := l.probeClient.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return nil
				}
			}
		}
		time.Sleep(l.pollInterval)
	}
	return ErrTimeout
}

// ReapStale destroys any container in this launcher's fleet that has been
// running longer than maxAge, used by the worker's background sweep to
// clean up sandboxes a crashed worker never tore down.
func (l *DockerLauncher) ReapStale(labelKey, labelValue string, maxAge time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	containers, err := l.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilter(labelKey, labelValue),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: list: %v", ErrAPIError, err)
	}

	cutoff := time.Now().Add(-maxAge)
	reaped := 0
	for _, c := range containers {
		if time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		if err := l.Destroy(c.ID); err != nil {
			l.log.Printf("reap stale container %s: %v", c.ID, err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Ping round-trips the Docker daemon's own health endpoint.
func (l *DockerLauncher) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrAPIError, err)
	}
	return nil
}

func (l *DockerLauncher) toMachine(ctx context.Context, id string, spec MachineSpec) (*Machine, error) {
	inspect, err := l.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, l.translateErr(err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	privateIP := ""
	if inspect.NetworkSettings != nil {
		for _, ep := range inspect.NetworkSettings.Networks {
			if ep.IPAddress != "" {
				privateIP = ep.IPAddress
				break
			}
		}
	}

	return &Machine{
		ID:        inspect.ID,
		Name:      inspect.Name,
		State:     toState(inspect.State),
		PrivateIP: privateIP,
		CreatedAt: createdAt,
		Spec:      spec,
	}, nil
}

func toState(s *types.ContainerState) MachineState {
	if s == nil {
		return StateUnknown
	}
	switch {
	case s.Dead:
		return StateDestroyed
	case s.Running:
		return StateStarted
	case s.Restarting:
		return StateStarting
	case s.Paused:
		return StateStopping
	case s.Status == "created":
		return StateCreated
	case s.Status == "exited":
		return StateStopped
	default:
		return StateUnknown
	}
}

func (l *DockerLauncher) translateErr(err error) error {
	if client.IsErrNotFound(err) {
		return ErrMachineNotFound
	}
	return fmt.Errorf("%w: %v", ErrAPIError, err)
}

func (l *DockerLauncher) portConfig(spec MachineSpec) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	if spec.DesktopHostPort != 0 {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", desktopContainerPort))
		exposed[containerPort] = struct{}{}
		bindings[containerPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.DesktopHostPort)}}
	}
	if spec.ToolHostPort != 0 {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", toolContainerPort))
		exposed[containerPort] = struct{}{}
		bindings[containerPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.ToolHostPort)}}
	}
	return exposed, bindings
}

func (l *DockerLauncher) networkMode(spec MachineSpec) container.NetworkMode {
	if spec.Network != "" {
		return container.NetworkMode(spec.Network)
	}
	return "bridge"
}

// labelFilter builds a Docker label filter. An empty value matches any
// container carrying key regardless of what it's set to; ReapStale's callers
// use this to sweep every sandbox this system created without needing to
// know each one's session ID in advance.
func labelFilter(key, value string) filters.Args {
	args := filters.NewArgs()
	if value == "" {
		args.Add("label", key)
	} else {
		args.Add("label", key+"="+value)
	}
	return args
}

func toEnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Verify DockerLauncher implements Launcher.
var _ Launcher = (*DockerLauncher)(nil)
