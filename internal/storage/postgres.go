// Package storage is the durable state store: Postgres-backed, transactional,
// row-level-locking persistence for drivers, rides, trips and payments.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/ride"
)

// Store is the durable state store described in spec §4.1.
type Store struct {
	pool *pgxpool.Pool
	uow  *UnitOfWork
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, uow: NewUnitOfWork(pool)}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.uow.WithinTx(ctx, fn)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRide inserts a new ride in REQUESTED status and logs the creation
// event in the same transaction.
func (s *Store) CreateRide(ctx context.Context, r *ride.Ride) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}
		r.ID = uuid.NewString()
		r.Status = ride.RideRequested
		err = tx.QueryRow(ctx, `
			INSERT INTO rides (id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng,
				tier, payment_method, status, estimated_fare, surge_multiplier_at_request, idempotency_key)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			RETURNING created_at, updated_at
		`, r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Dest.Lat, r.Dest.Lng,
			r.Tier, r.PaymentMethod, r.Status, r.EstimatedFare, r.SurgeMultiplierAtRequest, r.IdempotencyKey,
		).Scan(&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return mapPgErr(err)
		}
		return appendRideEvent(ctx, tx, r.ID, "RIDE_REQUESTED", r.RiderID, "rider", map[string]any{
			"status": r.Status,
		})
	})
}

// AssignRideAtomic implements spec §4.1's assign_ride_atomic: skip-locked
// acquisition of both rows, status verification, and the four-way commit
// (ride, driver, trip, event).
func (s *Store) AssignRideAtomic(ctx context.Context, rideID, driverID string) (tripID string, err error) {
	err = s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, terr := MustTxFromContext(ctx)
		if terr != nil {
			return terr
		}

		var rideStatus string
		rerr := tx.QueryRow(ctx, `SELECT status FROM rides WHERE id = $1 FOR UPDATE SKIP LOCKED`, rideID).Scan(&rideStatus)
		if rerr == pgx.ErrNoRows {
			return ride.LockContention("ride row contended or missing")
		}
		if rerr != nil {
			return mapPgErr(rerr)
		}
		if rideStatus != string(ride.RideRequested) {
			return ride.RideConflict(fmt.Sprintf("ride is %s, not REQUESTED", rideStatus))
		}

		var driverStatus string
		derr := tx.QueryRow(ctx, `SELECT status FROM drivers WHERE id = $1 FOR UPDATE SKIP LOCKED`, driverID).Scan(&driverStatus)
		if derr == pgx.ErrNoRows {
			return ride.LockContention("driver row contended or missing")
		}
		if derr != nil {
			return mapPgErr(derr)
		}
		if driverStatus != string(ride.DriverAvailable) {
			return ride.DriverConflict(fmt.Sprintf("driver is %s, not available", driverStatus))
		}

		now := time.Now().UTC()
		tripID = uuid.NewString()

		if _, err := tx.Exec(ctx, `
			UPDATE rides SET status = $1, assigned_driver_id = $2, updated_at = now() WHERE id = $3
		`, ride.RideMatched, driverID, rideID); err != nil {
			return mapPgErr(err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2
		`, ride.DriverOnTrip, driverID); err != nil {
			return mapPgErr(err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO trips (id, ride_id, driver_id, started_at, status)
			VALUES ($1, $2, $3, $4, $5)
		`, tripID, rideID, driverID, now, ride.TripActive); err != nil {
			return mapPgErr(err)
		}

		return appendRideEvent(ctx, tx, rideID, "DRIVER_MATCHED", driverID, "driver", map[string]any{
			"driver_id": driverID,
			"trip_id":   tripID,
		})
	})
	return tripID, err
}

// StartTrip implements the MATCHED -> STARTED leg (arrival signal).
func (s *Store) StartTrip(ctx context.Context, rideID string) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM rides WHERE id = $1 FOR UPDATE`, rideID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return ride.NotFound("ride not found")
			}
			return mapPgErr(err)
		}
		if status == string(ride.RideStarted) {
			return nil
		}
		if status != string(ride.RideMatched) {
			return ride.Conflictf("cannot start trip from ride status %s", status)
		}
		if _, err := tx.Exec(ctx, `UPDATE rides SET status = $1, updated_at = now() WHERE id = $2`, ride.RideStarted, rideID); err != nil {
			return mapPgErr(err)
		}
		return appendRideEvent(ctx, tx, rideID, "RIDE_STARTED", "", "system", nil)
	})
}

// ConfirmDriverArrival stamps driver_confirmed_at on the trip (the optional
// accept_ride confirmation from spec §9's design note; it does not itself
// change ride or driver status).
func (s *Store) ConfirmDriverArrival(ctx context.Context, rideID, driverID string) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}
		var dbDriverID string
		if err := tx.QueryRow(ctx, `SELECT driver_id FROM trips WHERE ride_id = $1 FOR UPDATE`, rideID).Scan(&dbDriverID); err != nil {
			if err == pgx.ErrNoRows {
				return ride.NotFound("trip not found for ride")
			}
			return mapPgErr(err)
		}
		if dbDriverID != driverID {
			return ride.Conflict("accept_ride: driver does not match assigned driver")
		}
		_, err = tx.Exec(ctx, `UPDATE trips SET driver_confirmed_at = now(), updated_at = now() WHERE ride_id = $1`, rideID)
		return mapPgErr(err)
	})
}

// EndTrip implements spec §4.1's end_trip: trip -> completed, ride ->
// COMPLETED, driver -> available, and creates a pending payment.
func (s *Store) EndTrip(ctx context.Context, tripID string, finalLat, finalLng, distanceKm, finalFare float64) (paymentID string, err error) {
	err = s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, terr := MustTxFromContext(ctx)
		if terr != nil {
			return terr
		}

		var rideID, driverID, status string
		qerr := tx.QueryRow(ctx, `SELECT ride_id, driver_id, status FROM trips WHERE id = $1 FOR UPDATE`, tripID).
			Scan(&rideID, &driverID, &status)
		if qerr == pgx.ErrNoRows {
			return ride.NotFound("trip not found")
		}
		if qerr != nil {
			return mapPgErr(qerr)
		}
		if status != string(ride.TripActive) {
			return ride.Conflictf("cannot end trip from status %s", status)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE trips SET status = $1, ended_at = $2, final_lat = $3, final_lng = $4,
				distance_km = $5, final_fare = $6, updated_at = now()
			WHERE id = $7
		`, ride.TripCompleted, now, finalLat, finalLng, distanceKm, finalFare, tripID); err != nil {
			return mapPgErr(err)
		}

		if _, err := tx.Exec(ctx, `UPDATE rides SET status = $1, updated_at = now() WHERE id = $2`, ride.RideCompleted, rideID); err != nil {
			return mapPgErr(err)
		}

		if _, err := tx.Exec(ctx, `UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2`, ride.DriverAvailable, driverID); err != nil {
			return mapPgErr(err)
		}

		paymentID = uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO payments (id, trip_id, amount, method, status)
			VALUES ($1, $2, $3, '', $4)
		`, paymentID, tripID, finalFare, ride.PaymentPending); err != nil {
			return mapPgErr(err)
		}

		return appendRideEvent(ctx, tx, rideID, "RIDE_COMPLETED", driverID, "driver", map[string]any{
			"trip_id":    tripID,
			"final_fare": finalFare,
		})
	})
	return paymentID, err
}

// FinalizePayment implements spec §4.1's idempotent terminal transition.
func (s *Store) FinalizePayment(ctx context.Context, paymentID string, success bool, pspRef, method string) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}
		var status string
		var existingRef *string
		if err := tx.QueryRow(ctx, `SELECT status, psp_ref FROM payments WHERE id = $1 FOR UPDATE`, paymentID).
			Scan(&status, &existingRef); err != nil {
			if err == pgx.ErrNoRows {
				return ride.NotFound("payment not found")
			}
			return mapPgErr(err)
		}

		wantStatus := ride.PaymentFailed
		if success {
			wantStatus = ride.PaymentSuccess
		}

		if status == string(ride.PaymentSuccess) || status == string(ride.PaymentFailed) {
			if status == string(wantStatus) {
				return nil
			}
			return ride.Conflictf("payment already terminal as %s", status)
		}

		_, err = tx.Exec(ctx, `
			UPDATE payments SET status = $1, psp_ref = $2, method = $3, updated_at = now() WHERE id = $4
		`, wantStatus, pspRef, method, paymentID)
		return mapPgErr(err)
	})
}

// FinalFareForTrip returns the server-computed fare set by EndTrip, used by
// internal/payment to re-validate a capture amount before calling the PSP.
func (s *Store) FinalFareForTrip(ctx context.Context, tripID string) (float64, error) {
	var fare *float64
	err := s.pool.QueryRow(ctx, `SELECT final_fare FROM trips WHERE id = $1`, tripID).Scan(&fare)
	if err == pgx.ErrNoRows {
		return 0, ride.NotFound("trip not found")
	}
	if err != nil {
		return 0, mapPgErr(err)
	}
	if fare == nil {
		return 0, ride.Conflict("trip has no final fare yet")
	}
	return *fare, nil
}

// PaymentIDForTrip resolves the (at most one) payment row created for a
// trip by EndTrip, used by internal/api to look up the capture target from
// a caller-supplied trip_id alone.
func (s *Store) PaymentIDForTrip(ctx context.Context, tripID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM payments WHERE trip_id = $1`, tripID).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", ride.NotFound("no payment found for trip")
	}
	if err != nil {
		return "", mapPgErr(err)
	}
	return id, nil
}

// GetRide is a plain read.
func (s *Store) GetRide(ctx context.Context, rideID string) (*ride.Ride, error) {
	tx, usingTx := TxFromContext(ctx)
	var row pgx.Row
	if usingTx {
		row = tx.QueryRow(ctx, getRideQuery, rideID)
	} else {
		row = s.pool.QueryRow(ctx, getRideQuery, rideID)
	}
	return scanRide(row)
}

const getRideQuery = `
	SELECT id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, tier, payment_method,
		status, assigned_driver_id, estimated_fare, surge_multiplier_at_request, idempotency_key,
		cancellation_reason, created_at, updated_at
	FROM rides WHERE id = $1
`

func scanRide(row pgx.Row) (*ride.Ride, error) {
	var r ride.Ride
	var cancellationReason *string
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dest.Lat, &r.Dest.Lng,
		&r.Tier, &r.PaymentMethod, &r.Status, &r.AssignedDriverID, &r.EstimatedFare,
		&r.SurgeMultiplierAtRequest, &r.IdempotencyKey, &cancellationReason, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ride.NotFound("ride not found")
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	if cancellationReason != nil {
		reason := ride.CancellationReason(*cancellationReason)
		r.CancellationReason = &reason
	}
	return &r, nil
}

// GetDriver is a plain read.
func (s *Store) GetDriver(ctx context.Context, driverID string) (*ride.Driver, error) {
	tx, usingTx := TxFromContext(ctx)
	var row pgx.Row
	if usingTx {
		row = tx.QueryRow(ctx, getDriverQuery, driverID)
	} else {
		row = s.pool.QueryRow(ctx, getDriverQuery, driverID)
	}
	var d ride.Driver
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Tier, &d.Status, &d.LastLat, &d.LastLng,
		&d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ride.NotFound("driver not found")
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &d, nil
}

const getDriverQuery = `
	SELECT id, name, phone, tier, status, last_lat, last_lng, last_seen_at, created_at, updated_at
	FROM drivers WHERE id = $1
`

// RegisterDriver creates a driver row, offline by default.
func (s *Store) RegisterDriver(ctx context.Context, d *ride.Driver) error {
	d.ID = uuid.NewString()
	d.Status = ride.DriverOffline
	return s.pool.QueryRow(ctx, `
		INSERT INTO drivers (id, name, phone, tier, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at, last_seen_at
	`, d.ID, d.Name, d.Phone, d.Tier, d.Status).Scan(&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt)
}

// SetDriverStatus updates status outside of a matching transaction (e.g. a
// driver going online/offline, not the matching-driven available<->on_trip
// flip which happens inside AssignRideAtomic/EndTrip).
func (s *Store) SetDriverStatus(ctx context.Context, driverID string, status ride.DriverStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2`, status, driverID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ride.NotFound("driver not found")
	}
	return nil
}

// CancelRide transitions a REQUESTED or MATCHED ride to terminal CANCELLED
// (used on matching-budget exhaustion, see internal/match).
func (s *Store) CancelRide(ctx context.Context, rideID string, reason ride.CancellationReason) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM rides WHERE id = $1 FOR UPDATE`, rideID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return ride.NotFound("ride not found")
			}
			return mapPgErr(err)
		}
		if status == string(ride.RideCancelled) {
			return nil
		}
		if status != string(ride.RideRequested) && status != string(ride.RideMatched) {
			return ride.Conflictf("cannot cancel ride from status %s", status)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE rides SET status = $1, cancellation_reason = $2, updated_at = now() WHERE id = $3
		`, ride.RideCancelled, reason, rideID); err != nil {
			return mapPgErr(err)
		}
		return appendRideEvent(ctx, tx, rideID, "RIDE_CANCELLED", "", "system", map[string]any{
			"reason": reason,
		})
	})
}

// BatchUpsertDriverLocations writes the latest known sample per driver as a
// single multi-row upsert (internal/locationingest's background flush).
func (s *Store) BatchUpsertDriverLocations(ctx context.Context, samples map[string][2]float64, seenAt time.Time) error {
	if len(samples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for driverID, ll := range samples {
		batch.Queue(`
			UPDATE drivers SET last_lat = $1, last_lng = $2, last_seen_at = $3, updated_at = now()
			WHERE id = $4
		`, ll[0], ll[1], seenAt, driverID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range samples {
		if _, err := br.Exec(); err != nil {
			return mapPgErr(err)
		}
	}
	return nil
}

func appendRideEvent(ctx context.Context, tx pgx.Tx, rideID, eventType, actorID, actorRole string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ride_events (ride_id, type, payload, actor_id, actor_role)
		VALUES ($1, $2, $3::jsonb, $4, $5)
	`, rideID, eventType, string(body), actorID, actorRole)
	return mapPgErr(err)
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*ride.Error); ok {
		return rerr
	}
	return ride.Unavailable("state store error", err)
}
