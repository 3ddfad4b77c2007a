package ridecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ridecore/internal/ride"
)

type countingBackend struct {
	calls int64
	ride  *ride.Ride
}

func (b *countingBackend) GetRide(ctx context.Context, rideID string) (*ride.Ride, error) {
	atomic.AddInt64(&b.calls, 1)
	r := *b.ride
	return &r, nil
}

func TestGet_MissReadsThroughThenHitsCache(t *testing.T) {
	backend := &countingBackend{ride: &ride.Ride{ID: "r1", Status: ride.RideRequested}}
	c := New(backend, time.Minute, nil)

	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("backend called %d times, want exactly 1 (second Get should hit cache)", backend.calls)
	}
}

func TestGet_ExpiredEntryReadsThroughAgain(t *testing.T) {
	backend := &countingBackend{ride: &ride.Ride{ID: "r1", Status: ride.RideRequested}}
	c := New(backend, time.Millisecond, nil)

	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("backend called %d times, want 2 after TTL expiry", backend.calls)
	}
}

func TestInvalidate_ForcesReadThrough(t *testing.T) {
	backend := &countingBackend{ride: &ride.Ride{ID: "r1", Status: ride.RideRequested}}
	c := New(backend, time.Minute, nil)

	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Invalidate(context.Background(), "r1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("backend called %d times, want 2 (invalidate must force a fresh read)", backend.calls)
	}
}

func TestGet_DistinctRidesDoNotShareCacheEntries(t *testing.T) {
	backend := &countingBackend{ride: &ride.Ride{ID: "r1", Status: ride.RideRequested}}
	c := New(backend, time.Minute, nil)

	if _, err := c.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("Get r1: %v", err)
	}
	if _, err := c.Get(context.Background(), "r2"); err != nil {
		t.Fatalf("Get r2: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("backend called %d times, want 2 (distinct ride IDs must not share cache slots)", backend.calls)
	}
}
