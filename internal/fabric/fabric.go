// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package fabric is the cross-process Message Fabric: it fans a session's
// chat events out to every local subscriber (the gateway's websocket
// handlers) the way pty.Hub fans PTY output out to every connected
// terminal client, and additionally relays events across processes over
// internal/store's pub/sub so a session's owning worker and the frontend
// gateway, which are different processes, both see every event.
//
// A process publishing its own event delivers it to its own local
// subscribers directly, then republishes on the store channel for other
// processes. Without a de-dup stamp, that process would also receive its
// own event back from the store subscription and double-deliver it
// locally. Fabric stamps every event with (publisher_id, seq) and drops
// store-relayed events whose publisher_id matches its own instance id.
package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/id"
	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

func channelName(sessionID string) string { return "session:" + sessionID + ":messages" }

// hub fans one session's events out to its local subscribers, in the
// shape of pty.Hub's register/unregister/broadcast loop.
type hub struct {
	mu      sync.RWMutex
	clients map[chan model.MessageEvent]struct{}

	register   chan chan model.MessageEvent
	unregister chan chan model.MessageEvent
	publish    chan model.MessageEvent
	stop       chan struct{}
}

func newHub() *hub {
	return &hub{
		clients:    make(map[chan model.MessageEvent]struct{}),
		register:   make(chan chan model.MessageEvent),
		unregister: make(chan chan model.MessageEvent),
		publish:    make(chan model.MessageEvent, 64),
		stop:       make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c)
			}
			h.mu.Unlock()

		case evt := <-h.publish:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c <- evt:
				default: // slow subscriber; drop rather than block the hub
				}
			}
			h.mu.RUnlock()

		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c)
			}
			h.clients = make(map[chan model.MessageEvent]struct{})
			h.mu.Unlock()
			return
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Fabric is the Message Fabric (C4): one hub per session with an active
// local subscriber, bridged to the cross-process store channel.
type Fabric struct {
	store      store.Store
	instanceID string
	seq        atomic.Uint64
	log        *logging.Logger

	mu    sync.Mutex
	hubs  map[string]*hub
	subs  map[string]store.Subscription
	stops map[string]context.CancelFunc
}

// New returns a Fabric backed by st. Each process should construct exactly
// one Fabric and share it across its gateway/worker code.
func New(st store.Store) (*Fabric, error) {
	instanceID, err := id.New()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "generate fabric instance id", err)
	}
	return &Fabric{
		store:      st,
		instanceID: instanceID,
		log:        logging.New("fabric"),
		hubs:       make(map[string]*hub),
		subs:       make(map[string]store.Subscription),
		stops:      make(map[string]context.CancelFunc),
	}, nil
}

// Publish stamps evt with this Fabric's (publisher_id, seq), delivers it to
// local subscribers of sessionID immediately, and relays it over the store
// for other processes' Fabric instances to pick up.
func (f *Fabric) Publish(ctx context.Context, sessionID string, evt model.MessageEvent) error {
	evt.PublisherID = f.instanceID
	evt.Seq = f.seq.Add(1)

	f.localDeliver(sessionID, evt)

	data, err := json.Marshal(evt)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal event", err)
	}
	if err := f.store.Publish(ctx, channelName(sessionID), data); err != nil {
		return apperr.Wrap(apperr.KindPublish, "relay event", err)
	}
	return nil
}

func (f *Fabric) localDeliver(sessionID string, evt model.MessageEvent) {
	f.mu.Lock()
	h, ok := f.hubs[sessionID]
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.publish <- evt:
	default:
		f.log.Printf("session %s: hub publish queue full, dropping event", sessionID)
	}
}

// Subscribe returns a channel of events for sessionID and a cancel
// function. The first Subscribe call for a session starts its hub and a
// background goroutine relaying the store's cross-process channel into it;
// the last matching cancel tears both down.
func (f *Fabric) Subscribe(ctx context.Context, sessionID string) (<-chan model.MessageEvent, func(), error) {
	f.mu.Lock()
	h, ok := f.hubs[sessionID]
	if !ok {
		h = newHub()
		f.hubs[sessionID] = h
		go h.run()

		relayCtx, cancel := context.WithCancel(context.Background())
		f.stops[sessionID] = cancel
		if err := f.startRelay(relayCtx, sessionID, h); err != nil {
			delete(f.hubs, sessionID)
			delete(f.stops, sessionID)
			f.mu.Unlock()
			cancel()
			return nil, nil, err
		}
	}
	f.mu.Unlock()

	client := make(chan model.MessageEvent, 16)
	h.register <- client

	cancelFn := func() {
		select {
		case h.unregister <- client:
		case <-h.stop:
		}
		// The hub closes client once it has removed it; wait for that so
		// clientCount no longer counts this subscriber.
		for range client {
		}
		f.maybeTeardown(sessionID, h)
	}
	return client, cancelFn, nil
}

func (f *Fabric) startRelay(ctx context.Context, sessionID string, h *hub) error {
	sub, err := f.store.Subscribe(ctx, channelName(sessionID))
	if err != nil {
		return apperr.Wrap(apperr.KindPublish, "subscribe to session channel", err)
	}
	f.subs[sessionID] = sub

	go func() {
		for payload := range sub.C() {
			var evt model.MessageEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				f.log.Printf("session %s: malformed relayed event: %v", sessionID, err)
				continue
			}
			if evt.PublisherID == f.instanceID {
				continue // already delivered locally by Publish
			}
			select {
			case h.publish <- evt:
			default:
				f.log.Printf("session %s: hub publish queue full, dropping relayed event", sessionID)
			}
		}
	}()
	return nil
}

// maybeTeardown stops and removes a session's hub once it has no more
// local subscribers.
func (f *Fabric) maybeTeardown(sessionID string, h *hub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hubs[sessionID] != h {
		return // already torn down and replaced
	}
	if h.clientCount() > 0 {
		return
	}
	close(h.stop)
	if sub, ok := f.subs[sessionID]; ok {
		sub.Close()
		delete(f.subs, sessionID)
	}
	if cancel, ok := f.stops[sessionID]; ok {
		cancel()
		delete(f.stops, sessionID)
	}
	delete(f.hubs, sessionID)
}

// Close tears down every active hub and relay. Call on process shutdown.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, h := range f.hubs {
		close(h.stop)
		if sub, ok := f.subs[sessionID]; ok {
			sub.Close()
		}
		if cancel, ok := f.stops[sessionID]; ok {
			cancel()
		}
	}
	f.hubs = make(map[string]*hub)
	f.subs = make(map[string]store.Subscription)
	f.stops = make(map[string]context.CancelFunc)
}
