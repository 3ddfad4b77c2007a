package api

import (
	"encoding/json"
	"net/http"

	"ridecore/internal/ride"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the spec §7 error taxonomy to HTTP status, the one place
// a category turns into a wire status.
func statusFor(cat ride.Category) int {
	switch cat {
	case ride.CategoryValidation:
		return http.StatusBadRequest
	case ride.CategoryUnauthorized:
		return http.StatusUnauthorized
	case ride.CategoryNotFound:
		return http.StatusNotFound
	case ride.CategoryConflict:
		return http.StatusConflict
	case ride.CategoryLockContention:
		return http.StatusConflict
	case ride.CategoryTimeout:
		return http.StatusGatewayTimeout
	case ride.CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondDomainError writes err as a JSON error body with the status its
// category maps to. Every handler funnels domain errors through here.
func respondDomainError(w http.ResponseWriter, err error) {
	cat := ride.CategoryOf(err)
	respondError(w, statusFor(cat), err.Error())
}
