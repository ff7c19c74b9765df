package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baseapp/apiserver/internal/store"
	"github.com/baseapp/apiserver/types"
)

// newRepo returns an in-memory repository whose clock advances one second per
// write, so creation order and write counts are observable.
func newRepo() *store.MemoryAccountRepository {
	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return store.NewMemoryAccountRepository().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	})
}

// interceptingRepo runs afterGetByID once, right after the first GetByID
// returns, to interleave a concurrent operation.
type interceptingRepo struct {
	*store.MemoryAccountRepository
	once         sync.Once
	afterGetByID func()
}

func (r *interceptingRepo) GetByID(ctx context.Context, id string) (types.Account, error) {
	account, err := r.MemoryAccountRepository.GetByID(ctx, id)
	if r.afterGetByID != nil {
		r.once.Do(r.afterGetByID)
	}
	return account, err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, msg types.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) last() types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return types.Notification{}
	}
	return n.sent[len(n.sent)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// countingLimiter locks a key after max failures.
type countingLimiter struct {
	mu       sync.Mutex
	max      int
	failures map[string]int
}

func newCountingLimiter(max int) *countingLimiter {
	return &countingLimiter{max: max, failures: make(map[string]int)}
}

func (l *countingLimiter) Allow(ctx context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures[key] >= l.max {
		return time.Minute, nil
	}
	return 0, nil
}

func (l *countingLimiter) Fail(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key]++
	return nil
}

func (l *countingLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
	return nil
}

var errBoom = errors.New("boom")
