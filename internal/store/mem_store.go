// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemStore is an in-process Store implementation used by tests, grounded
// on the sandbox.MockLauncher pattern: same interface as the production backend,
// backed by a mutex-protected map instead of a network client.
type MemStore struct {
	mu       sync.Mutex
	kv       map[string]memEntry
	sets     map[string]map[string]struct{}
	lists    map[string][]string

	subsMu sync.Mutex
	subs   map[string][]*memSubscription
	nextID uint64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:    make(map[string]memEntry),
		sets:  make(map[string]map[string]struct{}),
		lists: make(map[string][]string),
		subs:  make(map[string][]*memSubscription),
	}
}

func (m *MemStore) prune(key string) {
	e, ok := m.kv[key]
	if ok && e.expired(time.Now()) {
		delete(m.kv, key)
	}
}

func (m *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(key)
	e, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{value: value}
	return nil
}

func (m *MemStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.sets, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *MemStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(key)
	e := m.kv[key]
	var n int64
	if e.value != "" {
		for _, c := range e.value {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	e.value = itoa(n)
	m.kv[key] = e
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (m *MemStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(key)
	e, ok := m.kv[key]
	if !ok || e.expires.IsZero() {
		return -1, nil
	}
	d := time.Until(e.expires)
	if d < 0 {
		d = 0
	}
	return d, nil
}

func (m *MemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(key)
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return true, nil
}

func (m *MemStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemStore) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemStore) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := make([]string, len(values))
	for i, v := range values {
		rev[len(values)-1-i] = v
	}
	m.lists[key] = append(rev, m.lists[key]...)
	return nil
}

func (m *MemStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || n == 0 {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (m *MemStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || n == 0 {
		m.lists[key] = nil
		return nil
	}
	trimmed := make([]string, stop-start+1)
	copy(trimmed, l[start:stop+1])
	m.lists[key] = trimmed
	return nil
}

func (m *MemStore) LRem(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	for i, v := range l {
		if v == value {
			m.lists[key] = append(l[:i], l[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemStore) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix, suffix, hasStar := splitGlob(pattern)
	var out []string
	now := time.Now()
	for k, e := range m.kv {
		if e.expired(now) {
			continue
		}
		if matchGlob(k, prefix, suffix, hasStar) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// splitGlob handles the single-"*" patterns this module actually issues,
// with the wildcard at the end or in the middle (e.g. "port:desktop:*",
// "worker:*:status"); it is not a general glob matcher.
func splitGlob(pattern string) (prefix, suffix string, hasStar bool) {
	if i := strings.Index(pattern, "*"); i >= 0 {
		return pattern[:i], pattern[i+1:], true
	}
	return pattern, "", false
}

func matchGlob(key, prefix, suffix string, hasStar bool) bool {
	if hasStar {
		return len(key) >= len(prefix)+len(suffix) && strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix)
	}
	return key == prefix
}

func (m *MemStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil
	}
	e.expires = time.Now().Add(ttl)
	m.kv[key] = e
	return nil
}

type memSubscription struct {
	id   uint64
	ch   chan []byte
	done chan struct{}
	store *MemStore
	channel string
}

func (s *memSubscription) C() <-chan []byte { return s.ch }

func (s *memSubscription) Close() error {
	s.store.subsMu.Lock()
	defer s.store.subsMu.Unlock()
	list := s.store.subs[s.channel]
	for i, sub := range list {
		if sub.id == s.id {
			s.store.subs[s.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	close(s.done)
	return nil
}

func (m *MemStore) Publish(ctx context.Context, channel string, payload []byte) error {
	m.subsMu.Lock()
	subs := append([]*memSubscription{}, m.subs[channel]...)
	m.subsMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		case <-s.done:
		default:
		}
	}
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextID++
	sub := &memSubscription{
		id:      m.nextID,
		ch:      make(chan []byte, 64),
		done:    make(chan struct{}),
		store:   m,
		channel: channel,
	}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

// Ping always succeeds; the in-process map has no transport to fail.
func (m *MemStore) Ping(ctx context.Context) error { return nil }

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
