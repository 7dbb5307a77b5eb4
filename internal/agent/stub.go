// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package agent

import (
	"context"
	"sync"
)

// StubDriver replays a fixed sequence of events on every Invoke call,
// standing in for a real agent in tests, the way sandbox.MockLauncher
// stands in for a real container backend.
type StubDriver struct {
	id     string
	Events []Event

	// FailInvoke, if set, makes every Invoke call return this error instead
	// of replaying Events, for testing a caller's agent-failure path.
	FailInvoke error

	mu          sync.RWMutex
	state       State
	invocations int
}

// NewStubDriver returns a Driver that replays events on every Invoke.
func NewStubDriver(id string, events ...Event) *StubDriver {
	return &StubDriver{id: id, Events: events, state: StateRunning}
}

func (s *StubDriver) ID() string { return s.id }

func (s *StubDriver) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *StubDriver) Invoke(ctx context.Context, prompt string, onEvent OnEvent) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrAgentStopped
	}
	s.invocations++
	fail := s.FailInvoke
	s.mu.Unlock()

	if fail != nil {
		return fail
	}

	for _, evt := range s.Events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onEvent(evt)
	}
	return nil
}

func (s *StubDriver) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopped
	return nil
}

// Invocations reports how many times Invoke has been called (test helper).
func (s *StubDriver) Invocations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invocations
}

var _ Driver = (*StubDriver)(nil)
