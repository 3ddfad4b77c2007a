package tripfare

import (
	"math"
	"testing"

	"ridecore/internal/config"
	"ridecore/internal/ride"
)

func fareTable() map[ride.Tier]config.FareConfig {
	return map[ride.Tier]config.FareConfig{
		ride.TierStandard: {BaseFare: 50, PerKmRate: 12},
		ride.TierPremium:  {BaseFare: 100, PerKmRate: 25},
		ride.TierXL:       {BaseFare: 80, PerKmRate: 18},
	}
}

func TestFinalFare_HappyPath(t *testing.T) {
	// scenario 1 coordinates: pickup (12.9716,77.5946) -> dest (13.0827,80.2707),
	// standard tier, surge 1.0. The great-circle distance is ~290.17 km, so
	// the fare is 50 + 290.17*12 = 3532.06.
	pickup := ride.Coordinate{Lat: 12.9716, Lng: 77.5946}
	distanceKm := DistanceKm(pickup, 13.0827, 80.2707)

	got := FinalFare(fareTable(), ride.TierStandard, distanceKm, 1.0)
	want := 50 + distanceKm*12*1.0
	want = math.Round(want*100) / 100

	if got != want {
		t.Fatalf("FinalFare = %v, want %v (distance=%v km)", got, want, distanceKm)
	}
	if math.Abs(got-3532.06) > 0.01 {
		t.Fatalf("FinalFare = %v, expected 3532.06 for the scenario 1 coordinates", got)
	}
}

func TestFinalFare_RoundsToTwoDecimals(t *testing.T) {
	got := FinalFare(fareTable(), ride.TierXL, 1.0/3.0, 1.0)
	scaled := got * 100
	if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
		t.Fatalf("FinalFare = %v is not rounded to 2 decimal places", got)
	}
}

func TestFinalFare_SurgeScalesDistanceComponentOnly(t *testing.T) {
	fares := fareTable()
	base := fares[ride.TierPremium].BaseFare
	noSurge := FinalFare(fares, ride.TierPremium, 10, 1.0)
	withSurge := FinalFare(fares, ride.TierPremium, 10, 2.0)

	if noSurge-base != (withSurge-base)/2 {
		t.Fatalf("surge must scale only the distance*rate term: noSurge-base=%v withSurge-base=%v", noSurge-base, withSurge-base)
	}
}

func TestDistanceKm_ZeroForSamePoint(t *testing.T) {
	p := ride.Coordinate{Lat: 40.0, Lng: -73.0}
	if d := DistanceKm(p, p.Lat, p.Lng); d != 0 {
		t.Fatalf("DistanceKm for identical points = %v, want 0", d)
	}
}
