package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_LocksAfterMaxFailures(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(Policy{MaxAttempts: 3, Window: 15 * time.Minute, Lock: 10 * time.Minute})
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Fail(ctx, "alice|1.2.3.4"))
		wait, err := m.Allow(ctx, "alice|1.2.3.4")
		require.NoError(t, err)
		assert.Zero(t, wait)
	}

	require.NoError(t, m.Fail(ctx, "alice|1.2.3.4"))
	wait, err := m.Allow(ctx, "alice|1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, wait)

	wait, _ = m.Allow(ctx, "alice|5.6.7.8")
	assert.Zero(t, wait)

	now = now.Add(10*time.Minute + time.Second)
	wait, _ = m.Allow(ctx, "alice|1.2.3.4")
	assert.Zero(t, wait)
}

func TestMemory_WindowExpiresFailures(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(Policy{MaxAttempts: 2, Window: time.Minute, Lock: time.Minute})
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Fail(ctx, "k"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, m.Fail(ctx, "k"))

	wait, _ := m.Allow(ctx, "k")
	assert.Zero(t, wait)
}

func TestMemory_ResetClearsLock(t *testing.T) {
	m := NewMemory(Policy{MaxAttempts: 1, Window: time.Minute, Lock: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.Fail(ctx, "k"))
	wait, _ := m.Allow(ctx, "k")
	assert.Positive(t, wait)

	require.NoError(t, m.Reset(ctx, "k"))
	wait, _ = m.Allow(ctx, "k")
	assert.Zero(t, wait)
}

func TestOpen(t *testing.T) {
	l, err := Open(context.Background(), config.Config{RateLimit: config.RateLimitConfig{Backend: BackendMemory}})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)

	_, err = Open(context.Background(), config.Config{RateLimit: config.RateLimitConfig{Backend: "abacus"}})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.Config{
		RateLimit: config.RateLimitConfig{Backend: BackendRedis},
		Redis:     config.RedisConfig{URL: "not a url"},
	})
	assert.Error(t, err)
}
