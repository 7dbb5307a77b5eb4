// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package registry is the Session Registry: the durable
// session record, status, per-session append-only message & log streams,
// and TTL-bounded context blob. It generalizes the
// sessions.Manager (an in-memory map guarded by sync.RWMutex, constructed
// with NewManager and handed out via Create/Get/Delete/List) onto
// internal/store so the same session is visible from any frontend or
// worker process in the fleet.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rohanbojja/ottobot/internal/apperr"
	"github.com/rohanbojja/ottobot/internal/id"
	"github.com/rohanbojja/ottobot/internal/logging"
	"github.com/rohanbojja/ottobot/internal/model"
	"github.com/rohanbojja/ottobot/internal/store"
)

const (
	maxLogEntries = 1000
	defaultReadN  = 50
	minPromptLen  = 1
	maxPromptLen  = 5000
	minTimeout    = 300 * time.Second
	maxTimeout    = 7200 * time.Second
)

// Registry is the Session Registry (C3).
type Registry struct {
	store          store.Store
	defaultTimeout time.Duration
	log            *logging.Logger
}

// New returns a Registry backed by st, with defaultTimeout used when
// Create is called without an explicit per-session timeout.
func New(st store.Store, defaultTimeout time.Duration) *Registry {
	return &Registry{store: st, defaultTimeout: defaultTimeout, log: logging.New("registry")}
}

func sessionKey(id string) string    { return "session:" + id }
func messagesKey(id string) string   { return "session:messages:" + id }
func logsKey(id string) string       { return "session:logs:" + id }
func contextKey(id string) string    { return "session:context:" + id }
func byWorkerKey(wid string) string  { return "sessions:by-worker:" + wid }

const indexKey = "sessions:index"
const totalSessionsKey = "metrics:total_sessions"

// Create generates a session id, stores a record with status Initializing,
// adds it to the index, and returns the record.
func (r *Registry) Create(ctx context.Context, prompt string, environment string, timeout time.Duration) (*model.Session, error) {
	if len(prompt) < minPromptLen || len(prompt) > maxPromptLen {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("initial_prompt must be %d..%d chars", minPromptLen, maxPromptLen))
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	} else if timeout < minTimeout || timeout > maxTimeout {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("timeout must be %d..%d seconds", int(minTimeout.Seconds()), int(maxTimeout.Seconds())))
	}

	sid, err := id.New()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "generate session id", err)
	}

	now := time.Now()
	sess := &model.Session{
		ID:            sid,
		Status:        model.StatusInitializing,
		InitialPrompt: prompt,
		Environment:   environment,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(timeout),
	}

	if err := r.write(ctx, sess, timeout); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, indexKey, sid); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "index session", err)
	}
	if _, err := r.store.Incr(ctx, totalSessionsKey); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "increment total_sessions", err)
	}
	return sess, nil
}

func (r *Registry) write(ctx context.Context, sess *model.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal session", err)
	}
	if err := r.store.SetEx(ctx, sessionKey(sess.ID), string(data), ttl); err != nil {
		return apperr.Wrap(apperr.KindStore, "write session", err)
	}
	return nil
}

// Get retrieves a session by id, or (nil, false) if absent or expired.
func (r *Registry) Get(ctx context.Context, sid string) (*model.Session, bool, error) {
	raw, found, err := r.store.Get(ctx, sessionKey(sid))
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStore, "get session", err)
	}
	if !found {
		return nil, false, nil
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, false, apperr.Wrap(apperr.KindFatal, "unmarshal session", err)
	}
	return &sess, true, nil
}

// Patch is the set of fields update() may change. A nil field means "leave
// unchanged".
type Patch struct {
	Status      *model.SessionStatus
	Error       *string
	DesktopPort *int
	ToolPort    *int
	SandboxID   *string
	WorkerID    *string
}

// Update applies patch to the session, preserving its residual TTL: the
// current TTL is read, and the new record is written back with that same
// residual TTL rather than resetting it to the full session timeout
// If patch sets a new WorkerID, the session is moved
// between the by-worker index sets.
func (r *Registry) Update(ctx context.Context, sid string, patch Patch) (*model.Session, bool, error) {
	sess, found, err := r.Get(ctx, sid)
	if err != nil || !found {
		return nil, found, err
	}

	ttl, err := r.store.TTL(ctx, sessionKey(sid))
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStore, "read ttl", err)
	}
	if ttl <= 0 {
		ttl = r.defaultTimeout
	}

	prevWorker := sess.WorkerID

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.Error != nil {
		sess.Error = *patch.Error
	}
	if patch.DesktopPort != nil {
		sess.DesktopPort = *patch.DesktopPort
	}
	if patch.ToolPort != nil {
		sess.ToolPort = *patch.ToolPort
	}
	if patch.SandboxID != nil {
		sess.SandboxID = *patch.SandboxID
	}
	if patch.WorkerID != nil {
		sess.WorkerID = *patch.WorkerID
	}
	sess.UpdatedAt = time.Now()

	if err := r.write(ctx, sess, ttl); err != nil {
		return nil, false, err
	}

	if patch.WorkerID != nil && *patch.WorkerID != prevWorker {
		if prevWorker != "" {
			if err := r.store.SRem(ctx, byWorkerKey(prevWorker), sid); err != nil {
				r.log.Printf("update: remove from previous worker set: %v", err)
			}
		}
		if *patch.WorkerID != "" {
			if err := r.store.SAdd(ctx, byWorkerKey(*patch.WorkerID), sid); err != nil {
				return nil, false, apperr.Wrap(apperr.KindStore, "add to worker set", err)
			}
		}
	}

	for _, key := range []string{messagesKey(sid), logsKey(sid), contextKey(sid)} {
		if err := r.store.Expire(ctx, key, ttl); err != nil {
			r.log.Printf("update: resync ttl for %s: %v", key, err)
		}
	}

	return sess, true, nil
}

// SetStatus is a convenience wrapper over Update.
func (r *Registry) SetStatus(ctx context.Context, sid string, status model.SessionStatus, errMsg string) (*model.Session, bool, error) {
	patch := Patch{Status: &status}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	return r.Update(ctx, sid, patch)
}

// Delete removes the session record and every derived key for it, plus its
// by-worker index entry.
func (r *Registry) Delete(ctx context.Context, sid string) (bool, error) {
	sess, found, err := r.Get(ctx, sid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	keys := []string{sessionKey(sid), messagesKey(sid), logsKey(sid), contextKey(sid)}
	if err := r.store.Del(ctx, keys...); err != nil {
		return false, apperr.Wrap(apperr.KindStore, "delete session keys", err)
	}
	if err := r.store.SRem(ctx, indexKey, sid); err != nil {
		r.log.Printf("delete: remove from index: %v", err)
	}
	if sess.WorkerID != "" {
		if err := r.store.SRem(ctx, byWorkerKey(sess.WorkerID), sid); err != nil {
			r.log.Printf("delete: remove from worker set: %v", err)
		}
	}
	return true, nil
}

// AppendMessage appends evt to the session's message stream.
func (r *Registry) AppendMessage(ctx context.Context, sid string, evt model.MessageEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal event", err)
	}
	if err := r.store.RPush(ctx, messagesKey(sid), string(data)); err != nil {
		return apperr.Wrap(apperr.KindStore, "append message", err)
	}
	if ttl, err := r.store.TTL(ctx, sessionKey(sid)); err == nil && ttl > 0 {
		_ = r.store.Expire(ctx, messagesKey(sid), ttl)
	}
	return nil
}

// ReadMessages returns the last n messages for a session (all of them if
// n <= 0).
func (r *Registry) ReadMessages(ctx context.Context, sid string, n int) ([]model.MessageEvent, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}
	raw, err := r.store.LRange(ctx, messagesKey(sid), start, -1)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "read messages", err)
	}
	out := make([]model.MessageEvent, 0, len(raw))
	for _, s := range raw {
		var evt model.MessageEvent
		if err := json.Unmarshal([]byte(s), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// AppendLog appends a log entry, enforcing the 1000-entry cap via LTrim. An
// unknown level is rejected with a KindValidation error.
func (r *Registry) AppendLog(ctx context.Context, sid string, level model.LogLevel, message string, meta map[string]interface{}) error {
	switch level {
	case model.LogDebug, model.LogInfo, model.LogWarn, model.LogError:
	default:
		return apperr.New(apperr.KindValidation, fmt.Sprintf("unknown log level %q", level))
	}
	entry := model.LogEntry{Timestamp: time.Now().UnixMilli(), Level: level, Message: message, Meta: meta}
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "marshal log entry", err)
	}
	key := logsKey(sid)
	if err := r.store.RPush(ctx, key, string(data)); err != nil {
		return apperr.Wrap(apperr.KindStore, "append log", err)
	}
	if err := r.store.LTrim(ctx, key, -maxLogEntries, -1); err != nil {
		return apperr.Wrap(apperr.KindStore, "trim log", err)
	}
	if ttl, err := r.store.TTL(ctx, sessionKey(sid)); err == nil && ttl > 0 {
		_ = r.store.Expire(ctx, key, ttl)
	}
	return nil
}

// ReadLogs returns up to limit of the most recent log entries (all of them
// if limit <= 0).
func (r *Registry) ReadLogs(ctx context.Context, sid string, limit int) ([]model.LogEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := r.store.LRange(ctx, logsKey(sid), start, -1)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "read logs", err)
	}
	out := make([]model.LogEntry, 0, len(raw))
	for _, s := range raw {
		var entry model.LogEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetContext returns the opaque context blob for a session, if any.
func (r *Registry) GetContext(ctx context.Context, sid string) ([]byte, bool, error) {
	raw, found, err := r.store.Get(ctx, contextKey(sid))
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStore, "get context", err)
	}
	if !found {
		return nil, false, nil
	}
	return []byte(raw), true, nil
}

// SetContext stores the opaque context blob for a session, aligned to the
// record's residual TTL.
func (r *Registry) SetContext(ctx context.Context, sid string, blob []byte) error {
	ttl, err := r.store.TTL(ctx, sessionKey(sid))
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "read ttl", err)
	}
	if ttl <= 0 {
		ttl = r.defaultTimeout
	}
	if err := r.store.SetEx(ctx, contextKey(sid), string(blob), ttl); err != nil {
		return apperr.Wrap(apperr.KindStore, "set context", err)
	}
	return nil
}

// ListActive returns active (non-Terminated) sessions sorted by CreatedAt
// descending, with limit/offset paging.
func (r *Registry) ListActive(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	ids, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindStore, "list index", err)
	}

	sessions := make([]*model.Session, 0, len(ids))
	for _, sid := range ids {
		sess, found, err := r.Get(ctx, sid)
		if err != nil {
			r.log.Printf("list: get %s: %v", sid, err)
			continue
		}
		if !found {
			continue
		}
		if sess.Status == model.StatusTerminated {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })

	total := len(sessions)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*model.Session{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return sessions[offset:end], total, nil
}

// SessionsByWorker returns the set of session IDs pinned to wid.
func (r *Registry) SessionsByWorker(ctx context.Context, wid string) ([]string, error) {
	ids, err := r.store.SMembers(ctx, byWorkerKey(wid))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "list worker sessions", err)
	}
	return ids, nil
}

// TotalSessions returns the monotonic session counter.
func (r *Registry) TotalSessions(ctx context.Context) (int64, error) {
	raw, found, err := r.store.Get(ctx, totalSessionsKey)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "get total_sessions", err)
	}
	if !found {
		return 0, nil
	}
	var n int64
	fmt.Sscanf(raw, "%d", &n)
	return n, nil
}

// ValidatePrompt exposes the initial-prompt length bound for HTTP-layer
// validation without requiring a round trip through Create.
func ValidatePrompt(prompt string) error {
	if len(prompt) < minPromptLen || len(prompt) > maxPromptLen {
		return apperr.New(apperr.KindValidation, fmt.Sprintf("initial_prompt must be %d..%d chars", minPromptLen, maxPromptLen))
	}
	return nil
}
