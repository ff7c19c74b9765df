package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseScope(t *testing.T, s Scope) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "token:user")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "token:user", "a"))
	require.NoError(t, s.Set(ctx, "token:user", "b"))
	v, ok, err := s.Get(ctx, "token:user")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	require.NoError(t, s.Delete(ctx, "token:user"))
	require.NoError(t, s.Delete(ctx, "token:user"))
	_, ok, err = s.Get(ctx, "token:user")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryScope(t *testing.T) {
	exerciseScope(t, NewMemoryScope())
}

func TestSQLiteScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	exerciseScope(t, s)

	require.NoError(t, s.Set(context.Background(), "current_system", "admin"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, err := reopened.Get(context.Background(), "current_system")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "admin", v)
}

func TestSQLiteScope_SharedBetweenHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	ctx := context.Background()
	a, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Set(ctx, "k", "v"))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestHub_DeliversToAllSubscribersUntilCanceled(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	first, err := hub.Subscribe(ctx)
	require.NoError(t, err)
	second, err := hub.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, Event{Origin: "tab-a", Key: "token:user"}))
	assert.Equal(t, "tab-a", (<-first).Origin)
	assert.Equal(t, "token:user", (<-second).Key)

	cancel()
	select {
	case _, open := <-first:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestRedisBroadcaster(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	b := NewRedisBroadcaster(redis.NewClient(opt), "baseapp:test:session-events")
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Event{Origin: "tab-a", Key: "session:admin", At: time.Now()}))
	select {
	case ev := <-events:
		assert.Equal(t, "session:admin", ev.Key)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
