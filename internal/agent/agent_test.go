// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubDriver_InvokeReplaysEventsInOrder(t *testing.T) {
	d := NewStubDriver("a1", Event{Type: "AgentThinking", Content: "..."}, Event{Type: "AgentResponse", Content: "done"})

	var got []Event
	err := d.Invoke(context.Background(), "do it", func(e Event) { got = append(got, e) })
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "AgentThinking", got[0].Type)
	assert.Equal(t, "AgentResponse", got[1].Type)
	assert.Equal(t, 1, d.Invocations())
}

func TestStubDriver_InvokeAfterStopFails(t *testing.T) {
	d := NewStubDriver("a1")
	require.NoError(t, d.Stop(context.Background()))

	err := d.Invoke(context.Background(), "hi", func(Event) {})
	assert.ErrorIs(t, err, ErrAgentStopped)
}

func TestHTTPDriver_InvokeStreamsNDJSONEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/invoke":
			fmt.Fprintln(w, `{"type":"AgentThinking","content":"..."}`)
			fmt.Fprintln(w, `{"type":"AgentResponse","content":"done"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewHTTPDriver("a1", srv.URL)
	var got []Event
	err := d.Invoke(context.Background(), "do it", func(e Event) { got = append(got, e) })
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "done", got[1].Content)
}

func TestHTTPDriver_WaitReadySucceedsOnFirstHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDriver("a1", srv.URL)
	err := d.WaitReady(context.Background())
	assert.NoError(t, err)
}
