package match

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

// fakeAssignStore models the transactional commit a real Postgres
// AssignRideAtomic provides: only the first caller for a given driver
// succeeds, every later caller for that same driver sees a driver_conflict,
// no matter how the goroutines interleave. rideConflicts marks ride IDs that
// should instead fail with a ride_conflict (ride already resolved).
type fakeAssignStore struct {
	mu            sync.Mutex
	assigned      map[string]string // driverID -> rideID
	rideConflicts map[string]bool
	cancelled     []string
}

func newFakeAssignStore() *fakeAssignStore {
	return &fakeAssignStore{assigned: make(map[string]string), rideConflicts: make(map[string]bool)}
}

func (s *fakeAssignStore) AssignRideAtomic(ctx context.Context, rideID, driverID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rideConflicts[rideID] {
		return "", ride.RideConflict("ride is not REQUESTED")
	}
	if _, taken := s.assigned[driverID]; taken {
		return "", ride.DriverConflict("driver is not available")
	}
	s.assigned[driverID] = rideID
	return "trip_" + rideID, nil
}

func (s *fakeAssignStore) CancelRide(ctx context.Context, rideID string, reason ride.CancellationReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, rideID)
	return nil
}

// fakeRemoveIndex is a geo.Index that only needs to track Remove calls; the
// tests here never search it.
type fakeRemoveIndex struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemoveIndex) Upsert(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	return nil
}
func (f *fakeRemoveIndex) Remove(ctx context.Context, driverID string, tier ride.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, driverID)
	return nil
}
func (f *fakeRemoveIndex) SearchByRadius(ctx context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]geo.Candidate, error) {
	return nil, geo.ErrEmpty
}
func (f *fakeRemoveIndex) Snapshot(ctx context.Context, tier ride.Tier) ([]geo.Point, error) {
	return nil, nil
}

func testMatchConfig() config.MatchConfig {
	return config.MatchConfig{
		InitialRadiusKm: 1,
		MaxRadiusKm:     5,
		RadiusFactor:    2,
		RetryDelay:      5 * time.Millisecond,
		Budget:          time.Second,
		CandidateLimit:  10,
		LockTTL:         2 * time.Second,
	}
}

// TestTryAssign_OnlyOneWinnerPerDriver is the adversarial harness spec
// invariant 2 calls for: many concurrent attempts against the same driver,
// through the real allocation lock and a store that enforces exclusivity,
// must produce exactly one winner regardless of interleaving.
func TestTryAssign_OnlyOneWinnerPerDriver(t *testing.T) {
	store := newFakeAssignStore()
	locker := NewInMemoryLocker()
	e := New(testMatchConfig(), &fakeRemoveIndex{}, locker, store, nil)

	const attempts = 50
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{RideID: "ride_" + strconv.Itoa(i), Tier: ride.TierStandard}
			if e.tryAssign(context.Background(), req, "driver_shared") == assignMatched {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1 across %d concurrent attempts on the same driver", wins, attempts)
	}
}

// TestTryAssign_DistinctDriversAllWin confirms the lock is scoped per driver,
// not global: concurrent attempts against distinct drivers should not starve
// each other.
func TestTryAssign_DistinctDriversAllWin(t *testing.T) {
	store := newFakeAssignStore()
	locker := NewInMemoryLocker()
	e := New(testMatchConfig(), &fakeRemoveIndex{}, locker, store, nil)

	const drivers = 20
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{RideID: "ride_" + strconv.Itoa(i), Tier: ride.TierStandard}
			if e.tryAssign(context.Background(), req, "driver_"+strconv.Itoa(i)) == assignMatched {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != drivers {
		t.Fatalf("winners = %d, want %d (one per distinct driver)", wins, drivers)
	}
}

// TestTryAssign_DriverConflictRetries confirms a driver_conflict is reported
// as retry, not abort: the caller should move on to the next candidate.
func TestTryAssign_DriverConflictRetries(t *testing.T) {
	store := newFakeAssignStore()
	store.assigned["driver1"] = "other_ride"
	locker := NewInMemoryLocker()
	e := New(testMatchConfig(), &fakeRemoveIndex{}, locker, store, nil)

	req := Request{RideID: "ride1", Tier: ride.TierStandard}
	got := e.tryAssign(context.Background(), req, "driver1")
	if got != assignRetry {
		t.Fatalf("outcome = %v, want assignRetry for a driver_conflict", got)
	}
}

// TestTryAssign_RideConflictAborts confirms a ride_conflict is reported as
// abort, not retry: spec §4.3 step 2b — the ride was already resolved by
// another writer, so matching must stop trying other candidates.
func TestTryAssign_RideConflictAborts(t *testing.T) {
	store := newFakeAssignStore()
	store.rideConflicts["ride1"] = true
	locker := NewInMemoryLocker()
	e := New(testMatchConfig(), &fakeRemoveIndex{}, locker, store, nil)

	req := Request{RideID: "ride1", Tier: ride.TierStandard}
	got := e.tryAssign(context.Background(), req, "driver1")
	if got != assignAbort {
		t.Fatalf("outcome = %v, want assignAbort for a ride_conflict", got)
	}
}

// TestMatchOne_RideConflictStopsWithoutGivingUp exercises the full matchOne
// loop: a ride_conflict on the only candidate must abort immediately and
// must NOT fall through to giveUp/CancelRide, since the ride wasn't
// necessarily left unmatched by the conflicting writer.
func TestMatchOne_RideConflictStopsWithoutGivingUp(t *testing.T) {
	store := newFakeAssignStore()
	store.rideConflicts["ride1"] = true
	idx := &searchableIndex{candidates: []geo.Candidate{{DriverID: "driver1", Dist: 0.1}}}
	locker := NewInMemoryLocker()
	e := New(testMatchConfig(), idx, locker, store, nil)

	e.matchOne(context.Background(), Request{RideID: "ride1", Tier: ride.TierStandard})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.cancelled) != 0 {
		t.Fatalf("CancelRide called %v times, want 0 after a ride_conflict abort", store.cancelled)
	}
}

// TestTryAssign_SuccessRemovesDriverFromIndex verifies spec §4.2's
// available->on_trip membership rule: a committed assignment must remove
// the driver from the geo index immediately, not wait for their next ping.
func TestTryAssign_SuccessRemovesDriverFromIndex(t *testing.T) {
	store := newFakeAssignStore()
	idx := &fakeRemoveIndex{}
	locker := NewInMemoryLocker()
	e := New(testMatchConfig(), idx, locker, store, nil)

	req := Request{RideID: "ride1", Tier: ride.TierStandard}
	if got := e.tryAssign(context.Background(), req, "driver1"); got != assignMatched {
		t.Fatalf("outcome = %v, want assignMatched", got)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.removed) != 1 || idx.removed[0] != "driver1" {
		t.Fatalf("removed = %v, want [driver1]", idx.removed)
	}
}

// searchableIndex returns a fixed candidate list once, then ErrEmpty, so
// matchOne's outer backoff loop doesn't spin forever re-offering the same
// driver after an abort.
type searchableIndex struct {
	mu         sync.Mutex
	candidates []geo.Candidate
	served     bool
}

func (s *searchableIndex) Upsert(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	return nil
}
func (s *searchableIndex) Remove(ctx context.Context, driverID string, tier ride.Tier) error {
	return nil
}
func (s *searchableIndex) SearchByRadius(ctx context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]geo.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return nil, geo.ErrEmpty
	}
	s.served = true
	return s.candidates, nil
}
func (s *searchableIndex) Snapshot(ctx context.Context, tier ride.Tier) ([]geo.Point, error) {
	return nil, nil
}
