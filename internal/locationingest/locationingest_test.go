package locationingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"ridecore/internal/geo"
	"ridecore/internal/ride"
)

type recordingIndex struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingIndex) Upsert(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}
func (r *recordingIndex) Remove(ctx context.Context, driverID string, tier ride.Tier) error {
	return nil
}
func (r *recordingIndex) SearchByRadius(ctx context.Context, tier ride.Tier, lat, lng, radiusKm float64, limit int) ([]geo.Candidate, error) {
	return nil, geo.ErrEmpty
}
func (r *recordingIndex) Snapshot(ctx context.Context, tier ride.Tier) ([]geo.Point, error) {
	return nil, nil
}

type recordingFlusher struct {
	mu      sync.Mutex
	batches []map[string][2]float64
}

func (f *recordingFlusher) BatchUpsertDriverLocations(ctx context.Context, samples map[string][2]float64, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string][2]float64, len(samples))
	for k, v := range samples {
		cp[k] = v
	}
	f.batches = append(f.batches, cp)
	return nil
}

func TestRecord_UpsertsIndexSynchronously(t *testing.T) {
	idx := &recordingIndex{}
	flusher := &recordingFlusher{}
	in := New(idx, flusher, 100, 10, time.Hour)

	if err := in.Record(context.Background(), "d1", ride.TierStandard, 12.9, 77.5); err != nil {
		t.Fatalf("Record: %v", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.calls != 1 {
		t.Fatalf("index.Upsert called %d times, want 1", idx.calls)
	}
}

func TestRun_FlushesOnMaxBatch(t *testing.T) {
	idx := &recordingIndex{}
	flusher := &recordingFlusher{}
	in := New(idx, flusher, 100, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	for i := 0; i < 3; i++ {
		_ = in.Record(context.Background(), "d"+string(rune('1'+i)), ride.TierStandard, 1, 2)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		flusher.mu.Lock()
		n := len(flusher.batches)
		flusher.mu.Unlock()
		if n >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no flush observed within deadline after reaching flushMaxBatch")
}

func TestRun_FlushesOnIntervalTicker(t *testing.T) {
	idx := &recordingIndex{}
	flusher := &recordingFlusher{}
	in := New(idx, flusher, 100, 1000, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	_ = in.Record(context.Background(), "d1", ride.TierStandard, 1, 2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		flusher.mu.Lock()
		n := len(flusher.batches)
		flusher.mu.Unlock()
		if n >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no flush observed within deadline after interval tick")
}

func TestRecord_BufferFullDropsRatherThanBlocks(t *testing.T) {
	idx := &recordingIndex{}
	flusher := &recordingFlusher{}
	in := New(idx, flusher, 1, 1000, time.Hour)

	for i := 0; i < 10; i++ {
		if err := in.Record(context.Background(), "d1", ride.TierStandard, 1, 2); err != nil {
			t.Fatalf("Record[%d]: %v", i, err)
		}
	}
}
