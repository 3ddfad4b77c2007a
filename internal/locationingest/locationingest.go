// Package locationingest is the hot path for driver location updates: a
// synchronous geo-index upsert (sub-ms, fire-and-forget acknowledged) in
// front of a bounded buffer drained by a background batch-flush worker into
// the durable store. The teacher writes to Postgres synchronously on every
// update (dispatch/store.go's UpdateDriverLocation); that does not survive
// the 2x10^5/s burst this spec requires, so this component replaces that
// write path rather than adapting it.
package locationingest

import (
	"context"
	"log"
	"time"

	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

// Sample is one location ping queued for durable flush.
type Sample struct {
	DriverID string
	Tier     ride.Tier
	Lat      float64
	Lng      float64
	At       time.Time
}

// Flusher writes the latest sample per driver as a single batch.
type Flusher interface {
	BatchUpsertDriverLocations(ctx context.Context, samples map[string][2]float64, seenAt time.Time) error
}

// Ingest is the location-ingest worker: Record is the hot-path call, Run
// drains the buffer on a ticker/size trigger.
type Ingest struct {
	index   geo.Index
	flusher Flusher
	buf     chan Sample

	flushInterval time.Duration
	flushMaxBatch int
}

func New(index geo.Index, flusher Flusher, bufferSize, flushMaxBatch int, flushInterval time.Duration) *Ingest {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Ingest{
		index:         index,
		flusher:       flusher,
		buf:           make(chan Sample, bufferSize),
		flushInterval: flushInterval,
		flushMaxBatch: flushMaxBatch,
	}
}

// Record performs the synchronous geo-index upsert and enqueues the sample
// for durable flush. It never blocks: a full buffer drops the oldest queued
// sample rather than backpressuring the caller, since the geo index is
// already authoritative for matching.
func (in *Ingest) Record(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	if err := in.index.Upsert(ctx, driverID, tier, lat, lng); err != nil {
		return ride.Unavailable("geo index upsert failed", err)
	}

	s := Sample{DriverID: driverID, Tier: tier, Lat: lat, Lng: lng, At: time.Now().UTC()}
	select {
	case in.buf <- s:
	default:
		select {
		case <-in.buf:
		default:
		}
		select {
		case in.buf <- s:
		default:
		}
	}
	return nil
}

// Run drains the buffer into batches until ctx is cancelled, flushing every
// flushInterval or once flushMaxBatch samples have accumulated, whichever
// comes first. Named, supervised worker shape per the teacher's
// startDriverPrune ticker goroutine in cmd/server/main.go.
func (in *Ingest) Run(ctx context.Context) {
	ticker := time.NewTicker(in.flushInterval)
	defer ticker.Stop()

	pending := make(map[string][2]float64, in.flushMaxBatch)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := in.flusher.BatchUpsertDriverLocations(flushCtx, pending, time.Now().UTC()); err != nil {
			flushCtx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
			if err2 := in.flusher.BatchUpsertDriverLocations(flushCtx2, pending, time.Now().UTC()); err2 != nil {
				log.Printf(`{"component":"locationingest","event":"flush_dropped","batch_size":%d,"error":%q}`, len(pending), err2.Error())
			}
			cancel2()
		}
		cancel()
		pending = make(map[string][2]float64, in.flushMaxBatch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case s := <-in.buf:
			pending[s.DriverID] = [2]float64{s.Lat, s.Lng}
			if len(pending) >= in.flushMaxBatch {
				flush()
			}
		}
	}
}
