// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

func TestFabric_LocalSubscriberReceivesPublishedEvent(t *testing.T) {
	st := store.NewMemStore()
	f, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	ch, cancel, err := f.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.Publish(ctx, "s1", model.MessageEvent{Type: model.EventUserPrompt, Content: "hello"}))

	select {
	case evt := <-ch:
		assert.Equal(t, "hello", evt.Content)
		assert.NotEmpty(t, evt.PublisherID, "Publish must stamp publisher_id")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestFabric_TwoInstancesRelayAcrossStoreWithoutDuplication(t *testing.T) {
	st := store.NewMemStore()
	a, err := New(st)
	require.NoError(t, err)
	b, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	chA, cancelA, err := a.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer cancelA()

	chB, cancelB, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.Publish(ctx, "s1", model.MessageEvent{Type: model.EventAgentResponse, Content: "from-a"}))

	select {
	case evt := <-chA:
		assert.Equal(t, "from-a", evt.Content)
	case <-time.After(time.Second):
		t.Fatal("instance a's own subscriber never saw its own publish")
	}

	select {
	case evt := <-chB:
		assert.Equal(t, "from-a", evt.Content)
	case <-time.After(time.Second):
		t.Fatal("instance b never received a's event over the relay")
	}

	// a must not receive its own event a second time via the relay.
	select {
	case evt := <-chA:
		t.Fatalf("instance a received a duplicate delivery of its own event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFabric_UnsubscribeStopsDelivery(t *testing.T) {
	st := store.NewMemStore()
	f, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	ch, cancel, err := f.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()

	_, stillOpen := <-ch
	assert.False(t, stillOpen, "subscriber channel must be closed after cancel")
}
