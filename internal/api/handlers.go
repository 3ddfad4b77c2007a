package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ridecore/internal/auth"
	"ridecore/internal/idempotency"
	"ridecore/internal/ride"
)

// EventLister is the admin audit-trail read path (internal/storage.Store).
type EventLister interface {
	ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]ride.Event, error)
}

// Handler adapts Service's operations to net/http, enforcing role checks
// and idempotency per spec §6's external interface table.
type Handler struct {
	svc    *Service
	hub    *Hub
	auth   auth.Authenticator
	events EventLister
}

func NewHandler(svc *Service, hub *Hub, authr auth.Authenticator, events EventLister) *Handler {
	return &Handler{svc: svc, hub: hub, auth: authr, events: events}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func requireRole(w http.ResponseWriter, r *http.Request, enforced bool, allowed ...ride.IdentityRole) (auth.Identity, bool) {
	if !enforced {
		return auth.Identity{}, true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	for _, role := range allowed {
		if id.Role == role {
			return id, true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return auth.Identity{}, false
}

type registerDriverPayload struct {
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
	Tier  ride.Tier `json:"tier"`
}

func (h *Handler) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	var p registerDriverPayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	driverID, err := h.svc.RegisterDriver(r.Context(), p.Name, p.Phone, p.Tier)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"driver_id": driverID})
}

type setDriverStatusPayload struct {
	Status ride.DriverStatus `json:"status"`
}

func (h *Handler) SetDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	enforced := h.auth != nil
	if _, ok := requireRole(w, r, enforced, ride.RoleDriver, ride.RoleAdmin); !ok {
		return
	}
	var p setDriverStatusPayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.svc.SetDriverStatus(r.Context(), driverID, p.Status); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type locationUpdatePayload struct {
	Tier ride.Tier `json:"tier"`
	Lat  float64   `json:"lat"`
	Lng  float64   `json:"lng"`
}

func (h *Handler) LocationUpdate(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	enforced := h.auth != nil
	if _, ok := requireRole(w, r, enforced, ride.RoleDriver, ride.RoleAdmin); !ok {
		return
	}
	var p locationUpdatePayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.svc.LocationUpdate(r.Context(), driverID, p.Tier, p.Lat, p.Lng); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"ack": "ok"})
}

type createRidePayload struct {
	Pickup        ride.Coordinate `json:"pickup"`
	Dest          ride.Coordinate `json:"dest"`
	Tier          ride.Tier       `json:"tier"`
	PaymentMethod string          `json:"payment_method"`
	ClientKey     string          `json:"client_key"`
}

// CreateRide implements create_ride, guarded by idempotency on (client_key,
// rider subject): a duplicate with an identical body replays the original
// response byte-for-byte; a duplicate with a differing body is a conflict.
func (h *Handler) CreateRide(w http.ResponseWriter, r *http.Request) {
	enforced := h.auth != nil
	id, ok := requireRole(w, r, enforced, ride.RoleRider, ride.RoleAdmin)
	if !ok {
		return
	}
	var p createRidePayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.ClientKey == "" {
		respondError(w, http.StatusBadRequest, "client_key is required")
		return
	}
	riderID := id.SubjectID
	if riderID == "" {
		riderID = p.ClientKey
	}

	fp, err := idempotency.Fingerprint(p)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	result, err := h.svc.idem.Execute(r.Context(), "create_ride", riderID, p.ClientKey, fp, func(ctx context.Context) (int, []byte, error) {
		out, cerr := h.svc.CreateRide(ctx, CreateRideInput{
			RiderID:       riderID,
			Pickup:        p.Pickup,
			Dest:          p.Dest,
			Tier:          p.Tier,
			PaymentMethod: p.PaymentMethod,
		})
		if cerr != nil {
			return 0, nil, cerr
		}
		body, merr := json.Marshal(out)
		if merr != nil {
			return 0, nil, merr
		}
		return http.StatusCreated, body, nil
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeIdempotentResult(w, result)
}

func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	rd, err := h.svc.GetRide(r.Context(), rideID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rd)
}

type acceptRidePayload struct {
	DriverID string `json:"driver_id"`
}

func (h *Handler) AcceptRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	enforced := h.auth != nil
	if _, ok := requireRole(w, r, enforced, ride.RoleDriver, ride.RoleAdmin); !ok {
		return
	}
	var p acceptRidePayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.svc.AcceptRide(r.Context(), p.DriverID, rideID); err != nil {
		respondDomainError(w, err)
		return
	}
	h.hub.Publish(rideID, map[string]string{"type": "accepted", "ride_id": rideID, "driver_id": p.DriverID})
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type endTripPayload struct {
	RideID   string  `json:"ride_id"`
	FinalLat float64 `json:"final_lat"`
	FinalLng float64 `json:"final_lng"`
}

func (h *Handler) EndTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")
	var p endTripPayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	out, err := h.svc.EndTrip(r.Context(), tripID, p.RideID, p.FinalLat, p.FinalLng)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	h.hub.Publish(p.RideID, map[string]any{"type": "completed", "ride_id": p.RideID, "final_fare": out.FinalFare})
	respondJSON(w, http.StatusOK, out)
}

type capturePaymentPayload struct {
	TripID    string  `json:"trip_id"`
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	ClientKey string  `json:"client_key"`
}

// CapturePayment implements capture_payment, guarded by idempotency on
// (client_key, rider subject) so duplicate calls surface at most one PSP
// call (scenario-level invariant 4).
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	enforced := h.auth != nil
	id, ok := requireRole(w, r, enforced, ride.RoleRider, ride.RoleAdmin)
	if !ok {
		return
	}
	var p capturePaymentPayload
	if err := decode(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.ClientKey == "" {
		respondError(w, http.StatusBadRequest, "client_key is required")
		return
	}
	subjectID := id.SubjectID
	if subjectID == "" {
		subjectID = p.ClientKey
	}

	fp, err := idempotency.Fingerprint(p)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	result, err := h.svc.idem.Execute(r.Context(), "capture_payment", subjectID, p.ClientKey, fp, func(ctx context.Context) (int, []byte, error) {
		out, cerr := h.svc.CapturePayment(ctx, p.TripID, p.Method, p.Amount)
		if cerr != nil {
			return 0, nil, cerr
		}
		body, merr := json.Marshal(out)
		if merr != nil {
			return 0, nil, merr
		}
		return http.StatusOK, body, nil
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeIdempotentResult(w, result)
}

// writeIdempotentResult writes a guard result verbatim: a replayed response
// is byte-identical to the one the original call produced.
func writeIdempotentResult(w http.ResponseWriter, result idempotency.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

func (h *Handler) ListRideEvents(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	events, err := h.events.ListRideEvents(r.Context(), rideID, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handler) RideWebsocket(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	h.hub.ServeRide(w, r, rideID)
}
