// Package payment orchestrates capture against an opaque PSP contract,
// re-validating the server-computed fare before ever calling out.
package payment

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"ridecore/internal/ride"
)

// Outcome is the PSP's answer to a capture call.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeDeclined Outcome = "declined"
	OutcomeError    Outcome = "error"
)

// PSP is the external payment processor, modeled as the opaque contract
// spec §1 names: capture(amount, method) -> {ok|declined|error}.
type PSP interface {
	Capture(ctx context.Context, amount float64, method string) (outcome Outcome, pspRef string, err error)
}

// Store is the subset of internal/storage.Store capture needs.
type Store interface {
	FinalizePayment(ctx context.Context, paymentID string, success bool, pspRef, method string) error
}

// TripLookup resolves a trip's server-computed final fare for
// re-validation against the caller-supplied amount.
type TripLookup interface {
	FinalFareForTrip(ctx context.Context, tripID string) (float64, error)
}

type Orchestrator struct {
	psp   PSP
	store Store
	trips TripLookup
}

func New(psp PSP, store Store, trips TripLookup) *Orchestrator {
	return &Orchestrator{psp: psp, store: store, trips: trips}
}

// Capture implements spec §4.1/§7's capture flow: the caller-supplied
// amount must match the server-recomputed final_fare within 0.01, or the
// call fails with conflict and the payment is left pending (fare
// tampering, scenario 4). A PSP "error" leaves the payment pending for
// retry with the same client_key; "declined" is terminal.
func (o *Orchestrator) Capture(ctx context.Context, paymentID, tripID string, amount float64, method string) (ride.PaymentStatus, error) {
	serverFare, err := o.trips.FinalFareForTrip(ctx, tripID)
	if err != nil {
		return "", err
	}
	if math.Abs(amount-serverFare) > 0.01 {
		return "", ride.Conflictf("capture amount %.2f does not match server fare %.2f", amount, serverFare)
	}

	pspCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	outcome, pspRef, err := o.psp.Capture(pspCtx, amount, method)
	if err != nil {
		log.Printf(`{"component":"payment","event":"psp_error","payment_id":%q,"error":%q}`, paymentID, err.Error())
		return ride.PaymentPending, ride.Unavailable("psp call failed", err)
	}

	switch outcome {
	case OutcomeOK:
		if err := o.store.FinalizePayment(ctx, paymentID, true, pspRef, method); err != nil {
			return "", err
		}
		log.Printf(`{"component":"payment","event":"captured","payment_id":%q,"psp_ref":%q}`, paymentID, pspRef)
		return ride.PaymentSuccess, nil
	case OutcomeDeclined:
		if err := o.store.FinalizePayment(ctx, paymentID, false, pspRef, method); err != nil {
			return "", err
		}
		log.Printf(`{"component":"payment","event":"declined","payment_id":%q}`, paymentID)
		return ride.PaymentFailed, nil
	default:
		log.Printf(`{"component":"payment","event":"psp_ambiguous_outcome","payment_id":%q,"outcome":%q}`, paymentID, outcome)
		return ride.PaymentPending, ride.Unavailable("psp returned an unrecognized outcome, retry with same client_key", nil)
	}
}

// MockPSP stands in for the real processor the spec treats as an opaque
// external collaborator (§1 Non-goals). It always approves, which is
// enough to exercise the capture flow end to end in local runs; a real
// deployment swaps this for an actual PSP client behind the same
// interface.
type MockPSP struct{}

func (MockPSP) Capture(_ context.Context, _ float64, _ string) (Outcome, string, error) {
	return OutcomeOK, "mock_" + uuid.NewString(), nil
}
