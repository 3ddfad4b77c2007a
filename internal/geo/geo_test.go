package geo

import (
	"context"
	"math"
	"testing"

	"ridecore/internal/ride"
)

func TestHaversineKm_ZeroForSamePoint(t *testing.T) {
	if d := HaversineKm(12.97, 77.59, 12.97, 77.59); d != 0 {
		t.Fatalf("HaversineKm for identical points = %v, want 0", d)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Bangalore to Chennai is roughly 290km as the crow flies.
	d := HaversineKm(12.9716, 77.5946, 13.0827, 80.2707)
	if math.Abs(d-290) > 20 {
		t.Fatalf("HaversineKm(blr, chennai) = %v, expected close to 290km", d)
	}
}

func TestInMemoryIndex_SearchByRadius_FiltersByTierAndRadius(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	_ = idx.Upsert(ctx, "near_standard", ride.TierStandard, 12.971, 77.594)
	_ = idx.Upsert(ctx, "far_standard", ride.TierStandard, 20.0, 80.0)
	_ = idx.Upsert(ctx, "near_premium", ride.TierPremium, 12.971, 77.594)

	cands, err := idx.SearchByRadius(ctx, ride.TierStandard, 12.9716, 77.5946, 5, 10)
	if err != nil {
		t.Fatalf("SearchByRadius: %v", err)
	}
	if len(cands) != 1 || cands[0].DriverID != "near_standard" {
		t.Fatalf("candidates = %+v, want exactly [near_standard]", cands)
	}
}

func TestInMemoryIndex_SearchByRadius_EmptyReturnsErrEmpty(t *testing.T) {
	idx := NewInMemoryIndex()
	_, err := idx.SearchByRadius(context.Background(), ride.TierStandard, 0, 0, 5, 10)
	if err != ErrEmpty {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestInMemoryIndex_SearchByRadius_RespectsLimitAndOrdering(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, "d1", ride.TierStandard, 12.9716, 77.5946)
	_ = idx.Upsert(ctx, "d2", ride.TierStandard, 12.9720, 77.5950)
	_ = idx.Upsert(ctx, "d3", ride.TierStandard, 12.9750, 77.6000)

	cands, err := idx.SearchByRadius(ctx, ride.TierStandard, 12.9716, 77.5946, 50, 2)
	if err != nil {
		t.Fatalf("SearchByRadius: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("len(cands) = %d, want 2 (limit)", len(cands))
	}
	if cands[0].Dist > cands[1].Dist {
		t.Fatalf("candidates not sorted ascending by distance: %+v", cands)
	}
}

func TestInMemoryIndex_RemoveDropsFromSearch(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, "d1", ride.TierStandard, 12.9716, 77.5946)
	_ = idx.Remove(ctx, "d1", ride.TierStandard)

	_, err := idx.SearchByRadius(ctx, ride.TierStandard, 12.9716, 77.5946, 5, 10)
	if err != ErrEmpty {
		t.Fatalf("err = %v, want ErrEmpty after Remove", err)
	}
}

func TestInMemoryIndex_Snapshot(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, "d1", ride.TierStandard, 1, 2)
	_ = idx.Upsert(ctx, "d2", ride.TierStandard, 3, 4)

	pts, err := idx.Snapshot(ctx, ride.TierStandard)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(pts) != 2 {
		t.Fatalf("len(pts) = %d, want 2", len(pts))
	}
}
