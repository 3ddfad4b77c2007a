// Package geo indexes driver last-known locations and answers
// nearest-candidate queries for matching. It is the hot path: every
// location ping and every match attempt goes through here, so
// implementations favor sub-millisecond upserts over exact bookkeeping
// (see internal/locationingest for the buffering layer in front of it).
package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/ride"
)

// ErrEmpty is returned by SearchByRadius when no driver of the requested
// tier falls within radiusKm.
var ErrEmpty = errors.New("geo: no candidates in radius")

// Candidate is one nearest-neighbour result, ordered ascending by Dist.
type Candidate struct {
	DriverID string
	Dist     float64
}

// Point is one indexed driver location, used for full-index enumeration
// rather than a radius query.
type Point struct {
	DriverID string
	Lat      float64
	Lng      float64
}

// Index tracks driver positions and serves radius queries, partitioned by
// tier so a premium rider never gets matched a standard-tier car.
type Index interface {
	Upsert(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error
	Remove(ctx context.Context, driverID string, tier ride.Tier) error
	SearchByRadius(ctx context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]Candidate, error)
	// Snapshot returns every indexed location for tier. Used by
	// internal/pricing's periodic supply sweep, not the request path.
	Snapshot(ctx context.Context, tier ride.Tier) ([]Point, error)
}

// HaversineKm is the great-circle distance between two points in
// kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLng*sinLng
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// InMemoryIndex is the dev/test fallback: a plain map guarded by a mutex,
// one per tier. Good enough for anything short of thousands of
// concurrent drivers; production wants RedisIndex.
type InMemoryIndex struct {
	mu     sync.RWMutex
	byTier map[ride.Tier]map[string][2]float64
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{byTier: make(map[ride.Tier]map[string][2]float64)}
}

func (idx *InMemoryIndex) Upsert(_ context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.byTier[tier]
	if !ok {
		m = make(map[string][2]float64)
		idx.byTier[tier] = m
	}
	m[driverID] = [2]float64{lat, lng}
	return nil
}

func (idx *InMemoryIndex) Remove(_ context.Context, driverID string, tier ride.Tier) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if m, ok := idx.byTier[tier]; ok {
		delete(m, driverID)
	}
	return nil
}

func (idx *InMemoryIndex) SearchByRadius(_ context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	m := idx.byTier[tier]
	out := make([]Candidate, 0, len(m))
	for id, pt := range m {
		d := HaversineKm(lat, lng, pt[0], pt[1])
		if d <= radiusKm {
			out = append(out, Candidate{DriverID: id, Dist: d})
		}
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dist < out[j].Dist })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (idx *InMemoryIndex) Snapshot(_ context.Context, tier ride.Tier) ([]Point, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m := idx.byTier[tier]
	out := make([]Point, 0, len(m))
	for id, pt := range m {
		out = append(out, Point{DriverID: id, Lat: pt[0], Lng: pt[1]})
	}
	return out, nil
}

// RedisIndex backs Index with Redis's native GEO commands, one sorted
// set per tier.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (idx *RedisIndex) key(tier ride.Tier) string {
	return "drivers:geo:" + string(tier)
}

func (idx *RedisIndex) Upsert(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	return idx.client.GeoAdd(ctx, idx.key(tier), &redis.GeoLocation{
		Name:      driverID,
		Longitude: lng,
		Latitude:  lat,
	}).Err()
}

func (idx *RedisIndex) Remove(ctx context.Context, driverID string, tier ride.Tier) error {
	return idx.client.ZRem(ctx, idx.key(tier), driverID).Err()
}

func (idx *RedisIndex) SearchByRadius(ctx context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	results, err := idx.client.GeoSearchLocation(ctx, idx.key(tier), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrEmpty
	}
	out := make([]Candidate, len(results))
	for i, r := range results {
		out[i] = Candidate{DriverID: r.Name, Dist: r.Dist}
	}
	return out, nil
}

func (idx *RedisIndex) Snapshot(ctx context.Context, tier ride.Tier) ([]Point, error) {
	names, err := idx.client.ZRange(ctx, idx.key(tier), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	positions, err := idx.client.GeoPos(ctx, idx.key(tier), names...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(names))
	for i, name := range names {
		if i >= len(positions) || positions[i] == nil {
			continue
		}
		out = append(out, Point{DriverID: name, Lat: positions[i].Latitude, Lng: positions[i].Longitude})
	}
	return out, nil
}
