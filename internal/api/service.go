// Package api is the thin HTTP transport over the domain packages: request
// decoding, identity/idempotency enforcement, and the external operation
// table from spec §6. No business logic lives here beyond composing calls
// to Service's collaborators.
package api

import (
	"context"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/idempotency"
	"ridecore/internal/locationingest"
	"ridecore/internal/match"
	"ridecore/internal/payment"
	"ridecore/internal/pricing"
	"ridecore/internal/ride"
	"ridecore/internal/ridecache"
	"ridecore/internal/tripfare"
)

// Store is the subset of internal/storage.Store the service depends on,
// beyond what match/payment/idempotency already narrow for themselves.
type Store interface {
	CreateRide(ctx context.Context, r *ride.Ride) error
	ConfirmDriverArrival(ctx context.Context, rideID, driverID string) error
	StartTrip(ctx context.Context, rideID string) error
	EndTrip(ctx context.Context, tripID string, finalLat, finalLng, distanceKm, finalFare float64) (paymentID string, err error)
	GetRide(ctx context.Context, rideID string) (*ride.Ride, error)
	GetDriver(ctx context.Context, driverID string) (*ride.Driver, error)
	RegisterDriver(ctx context.Context, d *ride.Driver) error
	SetDriverStatus(ctx context.Context, driverID string, status ride.DriverStatus) error
	FinalFareForTrip(ctx context.Context, tripID string) (float64, error)
	PaymentIDForTrip(ctx context.Context, tripID string) (string, error)
}

// Service wires every domain collaborator into the eight operations spec
// §6's external interface table names, plus register/set-status/location
// plumbing for drivers.
type Service struct {
	store    Store
	index    geo.Index
	ingest   *locationingest.Ingest
	matcher  *match.Engine
	surge    *pricing.Surge
	cache    *ridecache.Cache
	idem     *idempotency.Guard
	payments *payment.Orchestrator
	fares    map[ride.Tier]config.FareConfig
}

func NewService(
	store Store,
	index geo.Index,
	ingest *locationingest.Ingest,
	matcher *match.Engine,
	surge *pricing.Surge,
	cache *ridecache.Cache,
	idem *idempotency.Guard,
	payments *payment.Orchestrator,
	fares map[ride.Tier]config.FareConfig,
) *Service {
	return &Service{
		store:    store,
		index:    index,
		ingest:   ingest,
		matcher:  matcher,
		surge:    surge,
		cache:    cache,
		idem:     idem,
		payments: payments,
		fares:    fares,
	}
}

// RegisterDriver implements register_driver: name, phone, tier -> driver_id.
// A registered driver starts offline until set_driver_status brings it
// into rotation.
func (s *Service) RegisterDriver(ctx context.Context, name, phone string, tier ride.Tier) (string, error) {
	if !tier.Valid() {
		return "", ride.Validationf("invalid tier %q", tier)
	}
	d := &ride.Driver{Name: name, Phone: phone, Tier: tier, Status: ride.DriverOffline}
	if err := s.store.RegisterDriver(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// SetDriverStatus implements set_driver_status, keeping the geo index
// membership in sync per spec §4.2: available drivers are indexed,
// everything else is removed.
func (s *Service) SetDriverStatus(ctx context.Context, driverID string, status ride.DriverStatus) error {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if err := s.store.SetDriverStatus(ctx, driverID, status); err != nil {
		return err
	}
	if status == ride.DriverAvailable {
		return s.index.Upsert(ctx, driverID, d.Tier, d.LastLat, d.LastLng)
	}
	return s.index.Remove(ctx, driverID, d.Tier)
}

// LocationUpdate implements location_update: the hot path, synchronous
// geo-index upsert plus buffered durable flush.
func (s *Service) LocationUpdate(ctx context.Context, driverID string, tier ride.Tier, lat, lng float64) error {
	return s.ingest.Record(ctx, driverID, tier, lat, lng)
}

// CreateRideInput is create_ride's request body, also the idempotency
// fingerprint subject.
type CreateRideInput struct {
	RiderID       string          `json:"rider_id"`
	Pickup        ride.Coordinate `json:"pickup"`
	Dest          ride.Coordinate `json:"dest"`
	Tier          ride.Tier       `json:"tier"`
	PaymentMethod string          `json:"payment_method"`
}

// CreateRideResult is create_ride's response body: ride_id, estimated_fare
// and the surge multiplier frozen at request time.
type CreateRideResult struct {
	RideID        string  `json:"ride_id"`
	EstimatedFare float64 `json:"estimated_fare"`
	Surge         float64 `json:"surge"`
}

// CreateRide implements create_ride. Surge is sampled once at the pickup
// point and frozen onto the ride row; the fare estimate uses an
// approximate straight-line distance to pickup->dest since the actual
// trip distance isn't known until end_trip.
func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (CreateRideResult, error) {
	if !in.Tier.Valid() {
		return CreateRideResult{}, ride.Validationf("invalid tier %q", in.Tier)
	}
	now := time.Now()
	surge := s.surge.MultiplierAt(in.Pickup.Lat, in.Pickup.Lng, now)
	distanceKm := tripfare.DistanceKm(in.Pickup, in.Dest.Lat, in.Dest.Lng)
	estimated := tripfare.FinalFare(s.fares, in.Tier, distanceKm, surge)

	r := &ride.Ride{
		RiderID:                  in.RiderID,
		Pickup:                   in.Pickup,
		Dest:                     in.Dest,
		Tier:                     in.Tier,
		PaymentMethod:            in.PaymentMethod,
		Status:                   ride.RideRequested,
		EstimatedFare:            estimated,
		SurgeMultiplierAtRequest: surge,
	}
	if err := s.store.CreateRide(ctx, r); err != nil {
		return CreateRideResult{}, err
	}
	s.surge.RecordDemand(in.Pickup.Lat, in.Pickup.Lng, now)

	if !s.matcher.Enqueue(match.Request{RideID: r.ID, Tier: r.Tier, Pickup: r.Pickup}) {
		return CreateRideResult{}, ride.Unavailable("matching queue is full, retry", nil)
	}

	return CreateRideResult{RideID: r.ID, EstimatedFare: estimated, Surge: surge}, nil
}

// GetRide implements get_ride through the cache-aside read cache.
func (s *Service) GetRide(ctx context.Context, rideID string) (*ride.Ride, error) {
	return s.cache.Get(ctx, rideID)
}

// AcceptRide implements accept_ride: driver arrival confirmation followed
// by the MATCHED->STARTED transition (Design Note §9 — the external
// interface exposes no separate start_trip call, so accept_ride is the
// only trigger for it).
func (s *Service) AcceptRide(ctx context.Context, driverID, rideID string) error {
	if err := s.store.ConfirmDriverArrival(ctx, rideID, driverID); err != nil {
		return err
	}
	if err := s.store.StartTrip(ctx, rideID); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, rideID)
}

// EndTripResult is end_trip's response: trip_id, distance, final_fare.
type EndTripResult struct {
	TripID     string  `json:"trip_id"`
	DistanceKm float64 `json:"distance_km"`
	FinalFare  float64 `json:"final_fare"`
}

// EndTrip implements end_trip. The caller supplies only the trip end
// coordinate; distance and fare are computed server-side from the ride's
// recorded pickup and frozen surge, never trusted from the client.
func (s *Service) EndTrip(ctx context.Context, tripID, rideID string, finalLat, finalLng float64) (EndTripResult, error) {
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return EndTripResult{}, err
	}
	distanceKm := tripfare.DistanceKm(r.Pickup, finalLat, finalLng)
	finalFare := tripfare.FinalFare(s.fares, r.Tier, distanceKm, r.SurgeMultiplierAtRequest)

	if _, err := s.store.EndTrip(ctx, tripID, finalLat, finalLng, distanceKm, finalFare); err != nil {
		return EndTripResult{}, err
	}

	// spec §4.2: on_trip -> available reinserts the driver at last-known
	// location. The driver is now available again at the trip's end point.
	if r.AssignedDriverID != nil {
		d, err := s.store.GetDriver(ctx, *r.AssignedDriverID)
		if err != nil {
			return EndTripResult{}, err
		}
		if err := s.index.Upsert(ctx, d.ID, d.Tier, finalLat, finalLng); err != nil {
			return EndTripResult{}, err
		}
	}

	if err := s.cache.Invalidate(ctx, rideID); err != nil {
		return EndTripResult{}, err
	}
	return EndTripResult{TripID: tripID, DistanceKm: distanceKm, FinalFare: finalFare}, nil
}

// CapturePaymentResult is capture_payment's response: payment_id, status.
type CapturePaymentResult struct {
	PaymentID string             `json:"payment_id"`
	Status    ride.PaymentStatus `json:"status"`
}

// CapturePayment implements capture_payment. The caller supplies only
// trip_id; payment_id is resolved server-side from the pending payment
// EndTrip created, then the amount is re-validated against the server fare
// before ever calling the PSP (scenario 4, fare tampering).
func (s *Service) CapturePayment(ctx context.Context, tripID, method string, amount float64) (CapturePaymentResult, error) {
	paymentID, err := s.store.PaymentIDForTrip(ctx, tripID)
	if err != nil {
		return CapturePaymentResult{}, err
	}
	status, err := s.payments.Capture(ctx, paymentID, tripID, amount, method)
	if err != nil {
		return CapturePaymentResult{}, err
	}
	return CapturePaymentResult{PaymentID: paymentID, Status: status}, nil
}
