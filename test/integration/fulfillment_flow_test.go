// Package integration provides integration tests for the dispensing engine.
package integration

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/fhir/r4"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/pkg/idempotency"
)

// Large enough that fixture validity dates never lapse while the suite ages.
const testExpirationDays = 36500

func TestPrescriptionBundleProjection(t *testing.T) {
	data, err := os.ReadFile("../fixtures/prescription_bundle.json")
	if err != nil {
		t.Skipf("fixture not found: %v", err)
	}

	var bundle r4.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	requests, dispenses, err := bundle.Partition()
	if err != nil {
		t.Fatalf("partition failed: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if len(dispenses) != 2 {
		t.Fatalf("expected 2 dispenses, got %d", len(dispenses))
	}

	// First order: 21 capsules plus one refill, one full fill dispensed.
	amox := r4.NewRequestBundle(requests[0], dispenses)
	if len(amox.Dispenses) != 1 {
		t.Fatalf("expected 1 associated dispense, got %d", len(amox.Dispenses))
	}
	ordered, ok := fulfillment.TotalQuantityOrdered(amox.Request)
	if !ok || ordered != 42 {
		t.Errorf("ordered = %v (%v), want 42", ordered, ok)
	}
	remaining, err := fulfillment.QuantityRemaining(amox.Request, amox.Dispenses)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 21 {
		t.Errorf("remaining = %v, want 21", remaining)
	}
	if got := fulfillment.MedicationRequestCombinedStatus(amox.Request, testExpirationDays); got != fulfillment.CombinedActive {
		t.Errorf("combined status = %q, want active", got)
	}

	// Second order: fully dispensed, fulfiller status completed on the
	// backend.
	para := r4.NewRequestBundle(requests[1], dispenses)
	if para.Request.FulfillerStatus != fulfillment.FulfillerCompleted {
		t.Errorf("fulfiller status = %q, want completed", para.Request.FulfillerStatus)
	}
	remaining, err = fulfillment.QuantityRemaining(para.Request, para.Dispenses)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}

	// Prescription summary: one active order keeps the whole visit active.
	summary := fulfillment.PrescriptionStatus(
		[]*fulfillment.Request{amox.Request, para.Request}, testExpirationDays)
	if summary != fulfillment.CombinedActive {
		t.Errorf("prescription status = %q, want active", summary)
	}
}

// TestDispensingLifecycle walks one prescription through partial fill, pause,
// completion, and deletion, applying each computed fulfiller status the way
// the API does before the next event arrives.
func TestDispensingLifecycle(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	req := &fulfillment.Request{
		ID:       "req-1",
		Status:   fulfillment.RequestActive,
		Quantity: &fulfillment.Quantity{Value: 30, Unit: "tab"},
	}
	var history []*fulfillment.Dispense

	apply := func(t *testing.T, d *fulfillment.Dispense, want fulfillment.FulfillerStatus) {
		t.Helper()
		b := &fulfillment.RequestBundle{Request: req, Dispenses: history}
		got, err := fulfillment.NewFulfillerStatusAfterDispenseEvent(d, b, true)
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if got != want {
			t.Fatalf("fulfiller status = %q, want %q", got, want)
		}
		req.FulfillerStatus = got
		history = append(history, d)
	}

	// Partial fill of 10: nothing remarkable, no marker.
	apply(t, &fulfillment.Dispense{
		ID: "d-1", Status: fulfillment.DispenseCompleted,
		Quantity:                &fulfillment.Quantity{Value: 10, Unit: "tab"},
		Recorded:                base,
		AuthorizingPrescription: "MedicationRequest/req-1",
	}, fulfillment.FulfillerNone)

	// Pharmacist pauses the prescription.
	apply(t, &fulfillment.Dispense{
		ID: "d-2", Status: fulfillment.DispenseOnHold,
		Recorded:                base.Add(time.Hour),
		AuthorizingPrescription: "MedicationRequest/req-1",
	}, fulfillment.FulfillerOnHold)

	// Final fill reaches the cap and completes the prescription.
	apply(t, &fulfillment.Dispense{
		ID: "d-3", Status: fulfillment.DispenseCompleted,
		Quantity:                &fulfillment.Quantity{Value: 20, Unit: "tab"},
		Recorded:                base.Add(2 * time.Hour),
		AuthorizingPrescription: "MedicationRequest/req-1",
	}, fulfillment.FulfillerCompleted)

	// The fulfiller marker alone does not close the order; the combined
	// status follows the backend's lifecycle status.
	if got := fulfillment.MedicationRequestCombinedStatus(req, testExpirationDays); got != fulfillment.CombinedActive {
		t.Errorf("combined status = %q, want active", got)
	}
	req.Status = fulfillment.RequestCompleted
	if got := fulfillment.MedicationRequestCombinedStatus(req, testExpirationDays); got != fulfillment.CombinedCompleted {
		t.Errorf("combined status = %q, want completed", got)
	}
	req.Status = fulfillment.RequestActive

	// Deleting the final fill drops below the cap; the preceding event is a
	// pause, so its marker comes back.
	b := &fulfillment.RequestBundle{Request: req, Dispenses: history}
	after := fulfillment.NewFulfillerStatusAfterDelete(history[2], b, true)
	if after != fulfillment.FulfillerOnHold {
		t.Errorf("status after delete = %q, want on-hold", after)
	}
}

func TestSubmissionKeyGeneration(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	key1 := idempotency.GenerateKey("req-1", "", "completed", 30, ts)
	key2 := idempotency.GenerateKey("req-1", "", "completed", 30, ts)
	key3 := idempotency.GenerateKey("req-1", "", "completed", 30, ts.Add(30*time.Second))
	key4 := idempotency.GenerateKey("req-2", "", "completed", 30, ts)
	key5 := idempotency.GenerateKey("req-1", "", "completed", 20, ts)

	if key1 != key2 {
		t.Error("same inputs should produce same key")
	}
	if key1 != key3 {
		t.Error("keys within same minute should match")
	}
	if key1 == key4 {
		t.Error("different request should produce different key")
	}
	if key1 == key5 {
		t.Error("different quantity should produce different key")
	}
}
