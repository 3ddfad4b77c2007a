// Package pricing derives the surge multiplier from rolling per-cell
// demand/supply counters (spec §4.5).
package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

type event struct {
	at time.Time
}

// Surge tracks rolling demand (ride requests) and supply (available
// drivers observed by sweep) per geohash cell and computes the multiplier
// on demand at ride-creation time.
type Surge struct {
	cfg config.SurgeConfig

	mu     sync.Mutex
	demand map[string][]event
	supply map[string]int
}

func New(cfg config.SurgeConfig) *Surge {
	return &Surge{
		cfg:    cfg,
		demand: make(map[string][]event),
		supply: make(map[string]int),
	}
}

func (s *Surge) cell(lat, lng float64) string {
	return encodeGeohash(lat, lng, s.cfg.GeohashPrecision)
}

// RecordDemand registers a ride request at the given pickup point.
func (s *Surge) RecordDemand(lat, lng float64, at time.Time) {
	c := s.cell(lat, lng)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand[c] = append(s.demand[c], event{at: at})
}

// MultiplierAt computes the clamped surge multiplier for a pickup point,
// pruning demand events outside the rolling window first.
func (s *Surge) MultiplierAt(lat, lng float64, now time.Time) float64 {
	c := s.cell(lat, lng)
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.Window)
	events := s.demand[c]
	kept := events[:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.demand[c] = kept

	demand := float64(len(kept))
	supply := float64(s.supply[c])
	if supply < 1 {
		supply = 1
	}

	ratio := demand / supply
	mult := 1.0 + s.cfg.Sensitivity*math.Max(0, ratio-1.0)
	return clamp(mult, s.cfg.MinMultiplier, s.cfg.MaxMultiplier)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// SweepSupply runs on a ticker (internal/match's supervised-worker shape)
// and recomputes the per-cell supply counter from the current geo-index
// membership across all tiers, approximating "distinct available drivers
// observed in the last 5 minutes" with the index's current snapshot since
// available/on_trip membership is already real-time authoritative.
func (s *Surge) SweepSupply(ctx context.Context, index geo.Index, tiers []ride.Tier) error {
	cells := make(map[string]int)
	for _, tier := range tiers {
		points, err := index.Snapshot(ctx, tier)
		if err != nil {
			return err
		}
		for _, p := range points {
			cells[s.cell(p.Lat, p.Lng)]++
		}
	}
	s.mu.Lock()
	s.supply = cells
	s.mu.Unlock()
	return nil
}
