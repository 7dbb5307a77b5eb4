// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/registry"
)

const (
	replayCount    = 50
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingEvery      = pongWait * 9 / 10
	maxInboundSize = 16 * 1024
)

// inboundFrame is the chat socket's one recognized inbound frame shape.
type inboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// handleChatSocket upgrades to a websocket, replays recent history, and
// then bridges the session's fabric subscription to the socket for as long
// as it stays open: on-open validation and backlog replay, on-inbound-frame
// enqueue-and-ack, on-outbound forward every fabric event, on-close
// unsubscribe.
func (g *Gateway) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	sess, found, err := g.registry.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.KindNotFound, "session not found"))
		return
	}
	if sess.Status == model.StatusTerminated || sess.Status == model.StatusError {
		writeError(w, apperr.New(apperr.KindValidation, "session is "+string(sess.Status)))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Printf("chat socket upgrade for session %s: %v", id, err)
		return
	}
	defer conn.Close()

	events, unsubscribe, err := g.fabric.Subscribe(context.Background(), id)
	if err != nil {
		g.log.Printf("chat socket subscribe for session %s: %v", id, err)
		return
	}
	defer unsubscribe()

	if err := g.sendEvent(conn, model.MessageEvent{
		Type:      model.EventSystemUpdate,
		Content:   "Connected to session",
		Timestamp: time.Now().UnixMilli(),
		Metadata:  &model.EventMetadata{SessionStatus: string(sess.Status)},
	}); err != nil {
		return
	}

	backlog, err := g.registry.ReadMessages(ctx, id, replayCount)
	if err != nil {
		g.log.Printf("chat socket replay for session %s: %v", id, err)
	}
	for _, evt := range backlog {
		if err := g.sendEvent(conn, evt); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go g.chatReadLoop(conn, id, done)
	g.chatWriteLoop(conn, events, done)
}

// chatReadLoop handles inbound frames until a read fails (the client
// disconnects, a frame exceeds maxInboundSize, or the pong deadline
// passes), at which point it closes done so the write loop also unwinds.
// A malformed or invalid frame gets an Error event and the loop goes on.
func (g *Gateway) chatReadLoop(conn *websocket.Conn, sid string, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.sendEvent(conn, errorEvent("malformed frame"))
			continue
		}
		if frame.Type != "user_prompt" {
			g.sendEvent(conn, errorEvent("unrecognized frame type"))
			continue
		}
		if len(frame.Content) < 1 || len(frame.Content) > 10000 {
			g.sendEvent(conn, errorEvent("content must be 1..10000 chars"))
			continue
		}

		ts := frame.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}

		userEvt := model.MessageEvent{Type: model.EventUserPrompt, Content: frame.Content, Timestamp: ts}
		if err := g.registry.AppendMessage(context.Background(), sid, userEvt); err != nil {
			g.log.Printf("chat socket append for session %s: %v", sid, err)
		}

		if sess, found, err := g.registry.Get(context.Background(), sid); err == nil && found && sess.Status == model.StatusReady {
			running := model.StatusRunning
			g.registry.Update(context.Background(), sid, registry.Patch{Status: &running})
		}

		if err := g.controller.ProcessMessage(context.Background(), sid, frame.Content, ts); err != nil {
			g.sendEvent(conn, errorEvent("failed to queue message"))
			continue
		}
		g.sendEvent(conn, model.MessageEvent{
			Type:      model.EventSystemUpdate,
			Content:   "Message received and queued for processing",
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// chatWriteLoop forwards fabric events to the socket and pings it on an
// interval, until done closes or the connection errors.
func (g *Gateway) chatWriteLoop(conn *websocket.Conn, events <-chan model.MessageEvent, done <-chan struct{}) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := g.sendEvent(conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendEvent(conn *websocket.Conn, evt model.MessageEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(evt)
}

func errorEvent(msg string) model.MessageEvent {
	return model.MessageEvent{
		Type:      model.EventError,
		Content:   msg,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  &model.EventMetadata{Error: msg},
	}
}
