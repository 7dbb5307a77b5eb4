// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_SetNXIsOncePerKey(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "port:desktop:6080", "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "port:desktop:6080", "1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on the same key must report false")

	require.NoError(t, s.Del(ctx, "port:desktop:6080"))

	ok, err = s.SetNX(ctx, "port:desktop:6080", "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "SetNX succeeds again after Del")
}

func TestMemStore_TTLExpiry(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, "k", "v", 10*time.Millisecond))
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(30 * time.Millisecond)

	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "key must be gone once its TTL elapses")
}

func TestMemStore_ListBoundedAppend(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 1001; i++ {
		require.NoError(t, s.RPush(ctx, "log", itoa(int64(i))))
		require.NoError(t, s.LTrim(ctx, "log", -1000, -1))
	}

	n, err := s.LLen(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n, "log must be capped at 1000 entries after 1001 appends")

	all, err := s.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "1", all[0], "oldest surviving entry should be index 1")
	assert.Equal(t, "1000", all[len(all)-1])
}

func TestMemStore_SetMembership(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "sessions:index", "a", "b", "c"))
	n, err := s.SCard(ctx, "sessions:index")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.NoError(t, s.SRem(ctx, "sessions:index", "b"))
	members, err := s.SMembers(ctx, "sessions:index")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestMemStore_KeysPattern(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "port:desktop:6080", "1"))
	require.NoError(t, s.Set(ctx, "port:desktop:6081", "1"))
	require.NoError(t, s.Set(ctx, "port:tool:8080", "1"))

	keys, err := s.Keys(ctx, "port:desktop:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"port:desktop:6080", "port:desktop:6081"}, keys)
}

func TestMemStore_PublishSubscribeLocalFanout(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "session:s1:messages")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "session:s1:messages", []byte("hello")))

	select {
	case payload := <-sub.C():
		assert.Equal(t, "hello", string(payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemStore_UnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Publishing after Close must not panic or block.
	require.NoError(t, s.Publish(ctx, "chan", []byte("x")))
}

func TestMemStore_PingAlwaysSucceeds(t *testing.T) {
	s := NewMemStore()
	assert.NoError(t, s.Ping(context.Background()))
}
