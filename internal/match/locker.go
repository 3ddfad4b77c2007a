package match

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is the per-driver allocation lock: a single-writer, TTL-bounded
// compare-and-set external to the state-store transaction (spec §4.3).
type Locker interface {
	Acquire(ctx context.Context, driverID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, driverID string) error
}

// InMemoryLocker is a direct port of dlfelps-sd-uber-go's LockManager: a
// map guarded by a mutex with a TTL-sweep goroutine, for single-process
// deployments and tests.
type InMemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{locks: make(map[string]time.Time)}
}

func (l *InMemoryLocker) Acquire(_ context.Context, driverID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.locks[driverID]; ok && time.Now().Before(exp) {
		return false, nil
	}
	l.locks[driverID] = time.Now().Add(ttl)
	return true, nil
}

func (l *InMemoryLocker) Release(_ context.Context, driverID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, driverID)
	return nil
}

// Sweep removes expired entries; call periodically from a supervised
// goroutine (mirrors the teacher pack's cleanupExpiredLocks ticker).
func (l *InMemoryLocker) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for k, exp := range l.locks {
		if now.After(exp) {
			delete(l.locks, k)
		}
	}
}

// RedisLocker backs Locker with Redis's `SET NX PX`, the natural
// multi-process implementation since several matching processes run in
// parallel and must share the allocation lock externally.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) key(driverID string) string { return "lock:driver:" + driverID }

func (l *RedisLocker) Acquire(ctx context.Context, driverID string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key(driverID), "1", ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, driverID string) error {
	return l.client.Del(ctx, l.key(driverID)).Err()
}
