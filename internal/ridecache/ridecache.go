// Package ridecache is a cache-aside read cache over get_ride, with
// explicit invalidation after every state-store transition commits
// (spec §4.7).
package ridecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/ride"
)

// Backend is the storage read path to fall back to on a cache miss.
type Backend interface {
	GetRide(ctx context.Context, rideID string) (*ride.Ride, error)
}

// Cache is ride-status cache-aside with a 30s TTL. Backed by Redis when
// configured; otherwise an in-process mutex+map+TTL fallback, mirroring the
// teacher's "falls back to in-memory" degrade pattern for every external
// dependency (grounded on dispatch.idemCache's shape).
type Cache struct {
	backend Backend
	ttl     time.Duration
	redis   *redis.Client

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	ride   *ride.Ride
	expiry time.Time
}

func New(backend Backend, ttl time.Duration, redisClient *redis.Client) *Cache {
	return &Cache{
		backend: backend,
		ttl:     ttl,
		redis:   redisClient,
		local:   make(map[string]localEntry),
	}
}

func (c *Cache) key(rideID string) string { return "ride_status:" + rideID }

// Get returns the cached ride if present and fresh; otherwise reads
// through to the backend and populates the cache.
func (c *Cache) Get(ctx context.Context, rideID string) (*ride.Ride, error) {
	if r, ok := c.getCached(ctx, rideID); ok {
		return r, nil
	}
	r, err := c.backend.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, rideID, r)
	return r, nil
}

func (c *Cache) getCached(ctx context.Context, rideID string) (*ride.Ride, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, c.key(rideID)).Bytes()
		if err == nil {
			var r ride.Ride
			if json.Unmarshal(raw, &r) == nil {
				return &r, true
			}
		}
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[rideID]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiry) {
		delete(c.local, rideID)
		return nil, false
	}
	return e.ride, true
}

func (c *Cache) set(ctx context.Context, rideID string, r *ride.Ride) {
	if c.redis != nil {
		if body, err := json.Marshal(r); err == nil {
			_ = c.redis.Set(ctx, c.key(rideID), body, c.ttl).Err()
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[rideID] = localEntry{ride: r, expiry: time.Now().Add(c.ttl)}
}

// Invalidate removes the cached entry for rideID. Must be called after the
// state-store transaction that changed it commits; a stale read just
// before invalidation is acceptable and bounded by TTL.
func (c *Cache) Invalidate(ctx context.Context, rideID string) error {
	if c.redis != nil {
		return c.redis.Del(ctx, c.key(rideID)).Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.local, rideID)
	return nil
}
