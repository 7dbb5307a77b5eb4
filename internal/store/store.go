// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package store is the Coordination Store Adapter: a typed
// KV/set/list/atomic-claim/TTL/pub-sub interface over an external store.
// RedisStore backs it with Redis via github.com/redis/go-redis/v9, chosen
// because the required primitive list is effectively a restatement of the
// Redis command surface. MemStore is an in-process fake used by tests,
// following a same-interface, in-memory-map pattern.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStore is the sentinel wrapped by every transport failure surfaced by
// a Store implementation.
var ErrStore = errors.New("store: transport error")

// Subscription is a live subscription to a pub/sub channel.
type Subscription interface {
	// C yields the raw payloads published on the channel.
	C() <-chan []byte
	// Close unsubscribes and releases the underlying connection.
	Close() error
}

// Store is the Coordination Store Adapter contract.
//
// All mutating operations are individually atomic; no multi-key
// transactions are assumed.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SetNX atomically creates key if absent, returning true exactly once
	// per key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	RPush(ctx context.Context, key string, values ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// Keys returns keys matching pattern, bounded in size. Used by reapers
	// only.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Expire resets a key's TTL without rewriting its value, used to keep
	// derived streams' TTL aligned to a session record's residual TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping round-trips the backing transport, used by the gateway's
	// GET /health probe.
	Ping(ctx context.Context) error

	Close() error
}
