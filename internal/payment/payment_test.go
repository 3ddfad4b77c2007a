package payment

import (
	"context"
	"sync/atomic"
	"testing"

	"ridecore/internal/ride"
)

type fakeTripLookup struct {
	fare float64
}

func (f fakeTripLookup) FinalFareForTrip(ctx context.Context, tripID string) (float64, error) {
	return f.fare, nil
}

type countingPSP struct {
	calls  int64
	answer Outcome
}

func (p *countingPSP) Capture(ctx context.Context, amount float64, method string) (Outcome, string, error) {
	atomic.AddInt64(&p.calls, 1)
	return p.answer, "psp_ref_1", nil
}

type fakePaymentStore struct {
	finalized bool
	success   bool
}

func (s *fakePaymentStore) FinalizePayment(ctx context.Context, paymentID string, success bool, pspRef, method string) error {
	s.finalized = true
	s.success = success
	return nil
}

func TestCapture_FareMismatchConflictsAndLeavesPending(t *testing.T) {
	psp := &countingPSP{answer: OutcomeOK}
	store := &fakePaymentStore{}
	trips := fakeTripLookup{fare: 500.00}
	o := New(psp, store, trips)

	_, err := o.Capture(context.Background(), "pay1", "trip1", 499.00, "card")
	if ride.CategoryOf(err) != ride.CategoryConflict {
		t.Fatalf("expected conflict for tampered fare, got %v", err)
	}
	if psp.calls != 0 {
		t.Fatalf("PSP must not be called when the amount does not match the server fare")
	}
	if store.finalized {
		t.Fatalf("payment must be left pending (not finalized) on fare mismatch")
	}
}

func TestCapture_MatchingAmountCallsPSPAndFinalizes(t *testing.T) {
	psp := &countingPSP{answer: OutcomeOK}
	store := &fakePaymentStore{}
	trips := fakeTripLookup{fare: 500.00}
	o := New(psp, store, trips)

	status, err := o.Capture(context.Background(), "pay1", "trip1", 500.00, "card")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if status != ride.PaymentSuccess {
		t.Fatalf("status = %v, want success", status)
	}
	if psp.calls != 1 {
		t.Fatalf("PSP called %d times, want exactly 1", psp.calls)
	}
	if !store.finalized || !store.success {
		t.Fatalf("payment should be finalized as success")
	}
}

func TestCapture_WithinPennyToleranceSucceeds(t *testing.T) {
	psp := &countingPSP{answer: OutcomeOK}
	store := &fakePaymentStore{}
	trips := fakeTripLookup{fare: 500.00}
	o := New(psp, store, trips)

	_, err := o.Capture(context.Background(), "pay1", "trip1", 500.009, "card")
	if err != nil {
		t.Fatalf("Capture within tolerance should succeed, got %v", err)
	}
}

func TestCapture_DeclinedIsTerminalNotPending(t *testing.T) {
	psp := &countingPSP{answer: OutcomeDeclined}
	store := &fakePaymentStore{}
	trips := fakeTripLookup{fare: 500.00}
	o := New(psp, store, trips)

	status, err := o.Capture(context.Background(), "pay1", "trip1", 500.00, "card")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if status != ride.PaymentFailed {
		t.Fatalf("status = %v, want failed", status)
	}
	if !store.finalized || store.success {
		t.Fatalf("declined payment must be finalized as failure, not success")
	}
}
