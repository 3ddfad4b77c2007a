package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HealthChecker is the liveness dependency for /ready (internal/storage.Store).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// AttachRoutes wires the external interface table of spec §6 onto r.
func AttachRoutes(r chi.Router, h *Handler, health HealthChecker) {
	r.Use(middleware.RequestID)
	r.Use(JSONLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := health.HealthCheck(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Group(func(pr chi.Router) {
		pr.Use(authMiddleware(h.auth))
		pr.Post("/api/drivers", h.RegisterDriver)
		pr.Post("/api/drivers/{driverID}/status", h.SetDriverStatus)
		pr.Post("/api/drivers/{driverID}/location", h.LocationUpdate)
		pr.Post("/api/rides", h.CreateRide)
		pr.Get("/api/rides/{rideID}", h.GetRide)
		pr.Post("/api/rides/{rideID}/accept", h.AcceptRide)
		pr.Post("/api/trips/{tripID}/end", h.EndTrip)
		pr.Post("/api/payments/capture", h.CapturePayment)
		pr.Get("/api/admin/rides/{rideID}/events", h.ListRideEvents)
	})

	r.Get("/ws/rides/{rideID}", h.RideWebsocket)
}
