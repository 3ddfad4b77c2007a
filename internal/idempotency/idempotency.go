// Package idempotency wraps non-retry-safe operations (ride creation,
// payment capture) with fingerprint comparison and in-flight coalescing,
// per spec §4.6.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"ridecore/internal/ride"
)

// Store is the durable backing tier (internal/storage.IdempotencyStore).
type Store interface {
	TryBeginProcessing(ctx context.Context, key, endpoint, subjectID, fingerprint string, ttl time.Duration) (*ride.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, key string, statusCode int, body []byte) error
	Get(ctx context.Context, key string) (*ride.IdempotencyRecord, error)
}

// Guard coordinates fingerprint comparison, durable placeholder rows and
// in-process singleflight coalescing for concurrent duplicate requests
// within the same process (generalizing the teacher's dispatch.idemCache
// TTL map into the full contract).
type Guard struct {
	store Store
	ttl   time.Duration
	wait  time.Duration
	sf    singleflight.Group
}

func New(store Store, ttl, inFlightWait time.Duration) *Guard {
	return &Guard{store: store, ttl: ttl, wait: inFlightWait}
}

// Fingerprint canonicalizes body (any JSON-marshalable request struct) into
// a stable hash for comparison against a replayed request.
func Fingerprint(body any) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Result is what Execute returns: either the fresh response fn produced
// (which Execute has already stored via Complete), or a replayed one.
type Result struct {
	Replayed   bool
	StatusCode int
	Body       []byte
}

// Execute scopes key to (endpoint, subjectID, clientKey), checks for a
// completed record to replay, verifies the fingerprint on any existing
// record, and otherwise runs fn exactly once even under concurrent
// duplicate calls in this process (via singleflight); cross-process
// duplicates are still serialized by the durable placeholder row.
func (g *Guard) Execute(ctx context.Context, endpoint, subjectID, clientKey, fingerprint string, fn func(ctx context.Context) (int, []byte, error)) (Result, error) {
	key := endpoint + ":" + subjectID + ":" + clientKey

	v, err, _ := g.sf.Do(key, func() (any, error) {
		return g.execute(ctx, key, endpoint, subjectID, fingerprint, fn)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (g *Guard) execute(ctx context.Context, key, endpoint, subjectID, fingerprint string, fn func(ctx context.Context) (int, []byte, error)) (Result, error) {
	rec, won, err := g.store.TryBeginProcessing(ctx, key, endpoint, subjectID, fingerprint, g.ttl)
	if err != nil {
		return Result{}, err
	}

	if won {
		status, body, ferr := fn(ctx)
		if ferr != nil {
			return Result{}, ferr
		}
		if cerr := g.store.Complete(ctx, key, status, body); cerr != nil {
			return Result{}, cerr
		}
		return Result{Replayed: false, StatusCode: status, Body: body}, nil
	}

	if rec.RequestFingerprint != fingerprint {
		return Result{}, ride.Conflict("idempotency_conflict: client_key reused with a different request body")
	}

	if rec.Completed {
		return Result{Replayed: true, StatusCode: rec.StatusCode, Body: rec.ResponseBody}, nil
	}

	return g.awaitCompletion(ctx, key)
}

// awaitCompletion polls for the in-flight record to complete, bounded by
// the configured in-flight wait.
func (g *Guard) awaitCompletion(ctx context.Context, key string) (Result, error) {
	deadline := time.Now().Add(g.wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Result{}, ride.Timeout("idempotency wait cancelled", ctx.Err())
		case <-ticker.C:
			rec, err := g.store.Get(ctx, key)
			if err != nil {
				return Result{}, err
			}
			if rec.Completed {
				return Result{Replayed: true, StatusCode: rec.StatusCode, Body: rec.ResponseBody}, nil
			}
		}
	}
	return Result{}, ride.Timeout("idempotency in-flight wait exceeded", nil)
}
