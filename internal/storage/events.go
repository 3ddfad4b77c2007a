package storage

import (
	"context"

	"ridecore/internal/ride"
)

// ListRideEvents returns the append-only audit trail for a ride, oldest
// first. Backs the admin observability surface (§3's ambient RideEvent
// trail).
func (s *Store) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]ride.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ride_id, type, payload, actor_id, actor_role, created_at
		FROM ride_events
		WHERE ride_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`, rideID, limit, offset)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []ride.Event
	for rows.Next() {
		var e ride.Event
		if err := rows.Scan(&e.ID, &e.RideID, &e.Type, &e.Payload, &e.ActorID, &e.ActorRole, &e.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, e)
	}
	return out, mapPgErr(rows.Err())
}
