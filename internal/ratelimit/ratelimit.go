// Package ratelimit locks out login identifiers after repeated failures.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Policy is max failures within Window, followed by a Lock-long lockout.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Lock        time.Duration
}

func PolicyFromConfig(cfg config.RateLimitConfig) Policy {
	p := Policy{MaxAttempts: cfg.MaxAttempts, Window: cfg.Window, Lock: cfg.Lock}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

type bucket struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// Memory keeps counters in process. Suitable for a single API instance.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMemory(policy Policy) *Memory {
	return &Memory{policy: policy, now: time.Now, buckets: make(map[string]*bucket)}
}

func (m *Memory) Allow(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return 0, nil
	}
	if wait := b.lockedUntil.Sub(m.now()); wait > 0 {
		return wait, nil
	}
	return 0, nil
}

func (m *Memory) Fail(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b, ok := m.buckets[key]
	if !ok || now.Sub(b.windowStart) > m.policy.Window {
		b = &bucket{windowStart: now}
		m.buckets[key] = b
	}
	b.failures++
	if b.failures >= m.policy.MaxAttempts {
		b.lockedUntil = now.Add(m.policy.Lock)
		b.failures = 0
		b.windowStart = now
	}
	m.sweep(now)
	return nil
}

func (m *Memory) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
	return nil
}

// sweep drops buckets that are neither locked nor inside a window.
func (m *Memory) sweep(now time.Time) {
	if len(m.buckets) < 1024 {
		return
	}
	for key, b := range m.buckets {
		if now.After(b.lockedUntil) && now.Sub(b.windowStart) > m.policy.Window {
			delete(m.buckets, key)
		}
	}
}

// Redis shares counters between API instances.
type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
}

func NewRedis(client *redis.Client, policy Policy) *Redis {
	return &Redis{client: client, policy: policy, prefix: "baseapp:login:"}
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) failKey(key string) string { return r.prefix + "fail:" + key }
func (r *Redis) lockKey(key string) string { return r.prefix + "lock:" + key }

func (r *Redis) Allow(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.lockKey(key)).Result()
	if err != nil {
		return 0, err
	}
	if ttl > 0 {
		return ttl, nil
	}
	return 0, nil
}

func (r *Redis) Fail(ctx context.Context, key string) error {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.failKey(key))
		pipe.ExpireNX(ctx, r.failKey(key), r.policy.Window)
		return nil
	})
	if err != nil {
		return err
	}
	if incr.Val() < int64(r.policy.MaxAttempts) {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.lockKey(key), 1, r.policy.Lock)
		pipe.Del(ctx, r.failKey(key))
		return nil
	})
	return err
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.failKey(key), r.lockKey(key)).Err()
}

// Limiter is the interface both implementations satisfy.
type Limiter interface {
	Allow(ctx context.Context, key string) (time.Duration, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// Open builds the limiter selected by cfg.RateLimit.Backend.
func Open(ctx context.Context, cfg config.Config) (Limiter, error) {
	policy := PolicyFromConfig(cfg.RateLimit)
	switch cfg.RateLimit.Backend {
	case BackendMemory, "":
		return NewMemory(policy), nil
	case BackendRedis:
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedis(client, policy), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}
