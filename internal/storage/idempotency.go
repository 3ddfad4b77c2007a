package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"ridecore/internal/ride"
)

// IdempotencyStore is the durable tier behind internal/idempotency: one row
// per (endpoint, subject_id, key), inserted as a placeholder on first
// arrival and completed exactly once. Generalizes the teacher's
// key->ride_id TTL table into the full record shape idempotency needs for
// fingerprint comparison and response replay.
type IdempotencyStore struct {
	pool *Store
}

func NewIdempotencyStore(store *Store) *IdempotencyStore {
	return &IdempotencyStore{pool: store}
}

// TryBeginProcessing inserts a placeholder row for key if none exists.
// Returns (nil, true) when this caller won the race and must do the work;
// returns the existing record and false otherwise (the caller should wait
// on completion or replay it if already Completed).
func (s *IdempotencyStore) TryBeginProcessing(ctx context.Context, key, endpoint, subjectID, fingerprint string, ttl time.Duration) (*ride.IdempotencyRecord, bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, endpoint, subject_id, request_fingerprint, completed, created_at, expires_at)
		VALUES ($1, $2, $3, $4, false, $5, $6)
		ON CONFLICT (key) DO NOTHING
	`, key, endpoint, subjectID, fingerprint, now, now.Add(ttl))
	if err != nil {
		return nil, false, mapPgErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// Complete stores the response and marks the record completed, terminating
// the in-flight window for any singleflight waiters.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := s.pool.pool.Exec(ctx, `
		UPDATE idempotency_records SET completed = true, status_code = $1, response_body = $2
		WHERE key = $3
	`, statusCode, body, key)
	return mapPgErr(err)
}

// Get returns the record for key, or ride.NotFound.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*ride.IdempotencyRecord, error) {
	var rec ride.IdempotencyRecord
	err := s.pool.pool.QueryRow(ctx, `
		SELECT key, endpoint, subject_id, request_fingerprint, response_body, status_code, completed, created_at, expires_at
		FROM idempotency_records WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Endpoint, &rec.SubjectID, &rec.RequestFingerprint, &rec.ResponseBody,
		&rec.StatusCode, &rec.Completed, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ride.NotFound("idempotency record not found")
		}
		return nil, mapPgErr(err)
	}
	return &rec, nil
}

// PurgeExpired deletes records past their TTL; called periodically from
// cmd/server, mirroring the teacher's ticker-driven prune pattern.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < now()`)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return tag.RowsAffected(), nil
}
