// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockLauncher_CreateStartStopDestroy(t *testing.T) {
	l := NewMockLauncher()

	m, err := l.Create(MachineSpec{Name: "s1", Image: "ottobot-sandbox:latest", Size: SizeSmall})
	require.NoError(t, err)
	assert.Equal(t, StateStarted, m.State)
	assert.Equal(t, 1, m.Spec.CPUs, "small preset applies 1 CPU")
	assert.Equal(t, 512, m.Spec.MemoryMB)

	require.NoError(t, l.Stop(m.ID))
	got, err := l.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	require.NoError(t, l.Start(m.ID))
	got, err = l.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, got.State)

	require.NoError(t, l.Destroy(m.ID))
	_, err = l.Get(m.ID)
	assert.ErrorIs(t, err, ErrMachineNotFound)
}

func TestMockLauncher_CreateFailureInjection(t *testing.T) {
	l := NewMockLauncher()
	l.FailCreate = true

	_, err := l.Create(MachineSpec{Name: "s1"})
	assert.ErrorIs(t, err, ErrAPIError)
}

func TestMockLauncher_WaitTimesOutOnWrongState(t *testing.T) {
	l := NewMockLauncher()
	m, err := l.Create(MachineSpec{Name: "s1"})
	require.NoError(t, err)

	err = l.Wait(m.ID, StateStopped, time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMockLauncher_ReapStaleRemovesOldMachines(t *testing.T) {
	l := NewMockLauncher()
	m, err := l.Create(MachineSpec{Name: "old"})
	require.NoError(t, err)

	l.SetState(m.ID, StateStopped)
	reaped, err := l.ReapStale("session", "s1", -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped, "a machine created before 'now - (-1h)' is always stale")

	assert.Equal(t, 0, l.Count())
}

func TestMockLauncher_PingReflectsFailPing(t *testing.T) {
	l := NewMockLauncher()
	assert.NoError(t, l.Ping())

	l.FailPing = true
	assert.ErrorIs(t, l.Ping(), ErrAPIError)
}

func TestLabelFilter_EmptyValueMatchesKeyPresenceOnly(t *testing.T) {
	withValue := labelFilter(SessionLabelKey, "s1")
	assert.True(t, withValue.ExactMatch("label", SessionLabelKey+"=s1"))

	anyValue := labelFilter(SessionLabelKey, "")
	assert.True(t, anyValue.ExactMatch("label", SessionLabelKey))
	assert.False(t, anyValue.ExactMatch("label", SessionLabelKey+"=s1"), "a bare-key filter term must not also match a key=value term")
}
