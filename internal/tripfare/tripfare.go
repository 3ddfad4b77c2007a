// Package tripfare computes trip distance and fare at trip end.
package tripfare

import (
	"math"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

// DistanceKm is the great-circle distance between pickup and the trip-end
// coordinate (grounded on the teacher's haversineKM / dlfelps's
// HaversineDistance, both cross-checked against internal/geo.HaversineKm,
// the shared implementation).
func DistanceKm(pickup ride.Coordinate, finalLat, finalLng float64) float64 {
	return geo.HaversineKm(pickup.Lat, pickup.Lng, finalLat, finalLng)
}

// FinalFare implements spec §4.4's formula exactly, rounded to 2 decimal
// places. surgeAtRequest is frozen at ride creation and must not be
// recomputed here.
func FinalFare(fares map[ride.Tier]config.FareConfig, tier ride.Tier, distanceKm, surgeAtRequest float64) float64 {
	f := fares[tier]
	raw := f.BaseFare + distanceKm*f.PerKmRate*surgeAtRequest
	return round2(raw)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
