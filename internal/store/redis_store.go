// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backed by Redis.
type RedisStore struct {
	client     *redis.Client
	maxRetries int
	maxBackoff time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Host       string
	Port       int
	Password   string
	DB         int
	MaxRetries int
	MaxBackoff time.Duration
}

// NewRedisStore dials Redis and returns a Store. It retries transport
// errors on every operation with exponential backoff capped at 2s.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client, maxRetries: opts.MaxRetries, maxBackoff: opts.MaxBackoff}
}

func (s *RedisStore) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil || lastErr == redis.Nil {
			return lastErr
		}
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
	return fmt.Errorf("%w: %v", ErrStore, lastErr)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	found := true
	err := s.withRetry(ctx, func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		return "", false, err
	}
	return val, found, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func() error { return s.client.Set(ctx, key, value, 0).Err() })
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error { return s.client.Set(ctx, key, value, ttl).Err() })
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error { return s.client.Del(ctx, keys...).Err() })
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		v, err := s.client.Incr(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.withRetry(ctx, func() error {
		v, err := s.client.TTL(ctx, key).Result()
		d = v
		return err
	})
	return d, err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func() error {
		v, err := s.client.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, func() error { return s.client.SAdd(ctx, key, args...).Err() })
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, func() error { return s.client.SRem(ctx, key, args...).Err() })
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func() error {
		v, err := s.client.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		v, err := s.client.SCard(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.withRetry(ctx, func() error { return s.client.RPush(ctx, key, args...).Err() })
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.withRetry(ctx, func() error { return s.client.LPush(ctx, key, args...).Err() })
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func() error {
		v, err := s.client.LRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, func() error { return s.client.LTrim(ctx, key, start, stop).Err() })
}

func (s *RedisStore) LRem(ctx context.Context, key string, value string) error {
	return s.withRetry(ctx, func() error { return s.client.LRem(ctx, key, 1, value).Err() })
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		v, err := s.client.LLen(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func() error {
		v, err := s.client.Keys(ctx, pattern).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error { return s.client.Expire(ctx, key, ttl).Err() })
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.withRetry(ctx, func() error { return s.client.Publish(ctx, channel, payload).Err() })
}

type redisSubscription struct {
	sub *redis.PubSub
	ch  chan []byte
	done chan struct{}
}

func (r *redisSubscription) C() <-chan []byte { return r.ch }

func (r *redisSubscription) Close() error {
	close(r.done)
	return r.sub.Close()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	out := &redisSubscription{sub: sub, ch: make(chan []byte, 64), done: make(chan struct{})}
	msgCh := sub.Channel()
	go func() {
		for {
			select {
			case <-out.done:
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out.ch <- []byte(msg.Payload):
				case <-out.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.withRetry(ctx, func() error { return s.client.Ping(ctx).Err() })
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
