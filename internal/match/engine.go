// Package match implements the matching engine: candidate selection from
// the geo index, per-driver allocation locking, durable assignment via the
// state store, and multiplicative-backoff retry until a budget is
// exhausted.
package match

import (
	"context"
	"log"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

// Store is the subset of internal/storage.Store the engine needs.
type Store interface {
	AssignRideAtomic(ctx context.Context, rideID, driverID string) (tripID string, err error)
	CancelRide(ctx context.Context, rideID string, reason ride.CancellationReason) error
}

// CacheInvalidator is implemented by internal/ridecache.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, rideID string) error
}

// Request is one ride enqueued for matching.
type Request struct {
	RideID string
	Tier   ride.Tier
	Pickup ride.Coordinate
}

// Engine is the named, supervised matching worker: a bounded intake queue
// drained by a pool of per-ride matching goroutines, tied to process
// lifetime via context (Design Note §9's "background task spawn from
// request handlers" redesign).
type Engine struct {
	cfg    config.MatchConfig
	index  geo.Index
	locker Locker
	store  Store
	cache  CacheInvalidator
	intake chan Request
}

func New(cfg config.MatchConfig, index geo.Index, locker Locker, store Store, cache CacheInvalidator) *Engine {
	return &Engine{
		cfg:    cfg,
		index:  index,
		locker: locker,
		store:  store,
		cache:  cache,
		intake: make(chan Request, 1024),
	}
}

// Enqueue submits a ride for matching. Never blocks the caller beyond the
// bounded intake queue; a full queue is itself a capacity signal and the
// caller (internal/api) should surface it as unavailable.
func (e *Engine) Enqueue(req Request) bool {
	select {
	case e.intake <- req:
		return true
	default:
		return false
	}
}

// Run drains the intake queue, spawning one matching goroutine per ride,
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.intake:
			go e.matchOne(ctx, req)
		}
	}
}

func (e *Engine) matchOne(ctx context.Context, req Request) {
	deadline := time.Now().Add(e.cfg.Budget)
	radius := e.cfg.InitialRadiusKm

	for radius <= e.cfg.MaxRadiusKm && time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		candidates, err := e.index.SearchByRadius(attemptCtx, req.Tier, req.Pickup.Lat, req.Pickup.Lng, radius, e.cfg.CandidateLimit)
		cancel()
		if err != nil && err != geo.ErrEmpty {
			log.Printf(`{"component":"match","event":"search_error","ride_id":%q,"error":%q}`, req.RideID, err.Error())
		}

		for _, cand := range candidates {
			switch e.tryAssign(ctx, req, cand.DriverID) {
			case assignMatched:
				return
			case assignAbort:
				// ride_conflict: another writer already resolved this ride
				// (matched or cancelled it). Stop retrying entirely rather
				// than racing giveUp against whatever that resolution was.
				log.Printf(`{"component":"match","event":"abort_ride_conflict","ride_id":%q}`, req.RideID)
				return
			case assignRetry:
			}
			if time.Now().After(deadline) {
				break
			}
		}

		radius *= e.cfg.RadiusFactor
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryDelay):
		}
	}

	e.giveUp(ctx, req)
}

// assignOutcome is tryAssign's verdict on one candidate, per spec §4.3 step
// 2b: driver_conflict means try the next candidate, ride_conflict means
// abort the whole matching attempt for this ride.
type assignOutcome int

const (
	assignRetry assignOutcome = iota
	assignMatched
	assignAbort
)

// tryAssign attempts one driver: allocation lock first (cheap filter), then
// the transactional commit (authoritative).
func (e *Engine) tryAssign(ctx context.Context, req Request, driverID string) assignOutcome {
	lockCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	acquired, err := e.locker.Acquire(lockCtx, driverID, e.cfg.LockTTL)
	cancel()
	if err != nil || !acquired {
		return assignRetry
	}
	defer e.locker.Release(context.Background(), driverID)

	assignCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = e.store.AssignRideAtomic(assignCtx, req.RideID, driverID)
	cancel()

	if err == nil {
		if rerr := e.index.Remove(context.Background(), driverID, req.Tier); rerr != nil {
			log.Printf(`{"component":"match","event":"index_remove_failed","ride_id":%q,"driver_id":%q,"error":%q}`, req.RideID, driverID, rerr.Error())
		}
		if e.cache != nil {
			_ = e.cache.Invalidate(context.Background(), req.RideID)
		}
		log.Printf(`{"component":"match","event":"matched","ride_id":%q,"driver_id":%q}`, req.RideID, driverID)
		return assignMatched
	}

	if ride.IsRideConflict(err) {
		log.Printf(`{"component":"match","event":"ride_conflict","ride_id":%q,"driver_id":%q,"error":%q}`, req.RideID, driverID, err.Error())
		return assignAbort
	}

	if ride.CategoryOf(err) == ride.CategoryConflict {
		log.Printf(`{"component":"match","event":"driver_conflict","ride_id":%q,"driver_id":%q,"error":%q}`, req.RideID, driverID, err.Error())
		return assignRetry
	}

	log.Printf(`{"component":"match","event":"assign_error","ride_id":%q,"driver_id":%q,"error":%q}`, req.RideID, driverID, err.Error())
	return assignRetry
}

// giveUp transitions the ride to terminal CANCELLED with no_driver_found,
// the Open Question resolution recorded in DESIGN.md.
func (e *Engine) giveUp(ctx context.Context, req Request) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.CancelRide(cancelCtx, req.RideID, ride.ReasonNoDriverFound); err != nil {
		log.Printf(`{"component":"match","event":"cancel_failed","ride_id":%q,"error":%q}`, req.RideID, err.Error())
		return
	}
	if e.cache != nil {
		_ = e.cache.Invalidate(context.Background(), req.RideID)
	}
	log.Printf(`{"component":"match","event":"no_driver_found","ride_id":%q}`, req.RideID)
}
