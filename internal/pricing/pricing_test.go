package pricing

import (
	"context"
	"testing"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

func testConfig() config.SurgeConfig {
	return config.SurgeConfig{
		GeohashPrecision: 5,
		Window:           5 * time.Minute,
		MinMultiplier:    1.0,
		MaxMultiplier:    5.0,
		Sensitivity:      0.5,
	}
}

func TestMultiplierAt_NoDemandIsFloor(t *testing.T) {
	s := New(testConfig())
	if got := s.MultiplierAt(12.97, 77.59, time.Now()); got != 1.0 {
		t.Fatalf("multiplier with zero demand = %v, want 1.0", got)
	}
}

func TestMultiplierAt_MatchesFormula(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	for i := 0; i < 6; i++ {
		s.RecordDemand(12.97, 77.59, now)
	}
	got := s.MultiplierAt(12.97, 77.59, now)
	// demand=6, supply=max(0,1)=1, ratio=6, mult=1+0.5*(6-1)=3.5
	want := 3.5
	if got != want {
		t.Fatalf("multiplier = %v, want %v", got, want)
	}
}

func TestMultiplierAt_ClampedToMax(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	for i := 0; i < 1000; i++ {
		s.RecordDemand(1, 1, now)
	}
	if got := s.MultiplierAt(1, 1, now); got != 5.0 {
		t.Fatalf("multiplier = %v, want clamped to 5.0", got)
	}
}

func TestMultiplierAt_PrunesExpiredDemand(t *testing.T) {
	s := New(testConfig())
	old := time.Now().Add(-10 * time.Minute)
	// Three unpruned events would give ratio 3 and a multiplier of 2.0.
	for i := 0; i < 3; i++ {
		s.RecordDemand(5, 5, old)
	}
	if got := s.MultiplierAt(5, 5, time.Now()); got != 1.0 {
		t.Fatalf("multiplier after window expiry = %v, want 1.0 (event should be pruned)", got)
	}
}

type fakeIndex struct {
	points map[ride.Tier][]geo.Point
}

func (f *fakeIndex) Upsert(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	return nil
}
func (f *fakeIndex) Remove(ctx context.Context, driverID string, tier ride.Tier) error { return nil }
func (f *fakeIndex) SearchByRadius(ctx context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]geo.Candidate, error) {
	return nil, nil
}
func (f *fakeIndex) Snapshot(ctx context.Context, tier ride.Tier) ([]geo.Point, error) {
	return f.points[tier], nil
}

func TestSweepSupply_BucketsByGeohashCell(t *testing.T) {
	s := New(testConfig())
	idx := &fakeIndex{points: map[ride.Tier][]geo.Point{
		ride.TierStandard: {
			{DriverID: "d1", Lat: 12.971, Lng: 77.594},
			{DriverID: "d2", Lat: 12.972, Lng: 77.595},
		},
	}}
	if err := s.SweepSupply(context.Background(), idx, []ride.Tier{ride.TierStandard}); err != nil {
		t.Fatalf("SweepSupply: %v", err)
	}
	cell := s.cell(12.971, 77.594)
	s.mu.Lock()
	got := s.supply[cell]
	s.mu.Unlock()
	if got != 2 {
		t.Fatalf("supply[%s] = %d, want 2", cell, got)
	}
}
