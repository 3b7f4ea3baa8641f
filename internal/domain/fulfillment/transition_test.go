package fulfillment

import (
	"errors"
	"testing"
	"time"
)

var transBase = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func bundle(r *Request, dispenses ...*Dispense) *RequestBundle {
	return &RequestBundle{Request: r, Dispenses: dispenses}
}

func TestNewFulfillerStatusAfterDispenseEventPauseClose(t *testing.T) {
	b := bundle(&Request{ID: "r1", FulfillerStatus: FulfillerCompleted})

	onHold := testDispense("d1", DispenseOnHold, nil, transBase, "MedicationRequest/r1")
	got, err := NewFulfillerStatusAfterDispenseEvent(onHold, b, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != FulfillerOnHold {
		t.Errorf("on-hold event: got %q, want on-hold", got)
	}

	declined := testDispense("d2", DispenseDeclined, nil, transBase, "MedicationRequest/r1")
	got, err = NewFulfillerStatusAfterDispenseEvent(declined, b, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != FulfillerDeclined {
		t.Errorf("declined event: got %q, want declined", got)
	}
}

func TestNewFulfillerStatusAfterDispenseEventNilInputs(t *testing.T) {
	d := testDispense("d1", DispenseCompleted, nil, transBase, "MedicationRequest/r1")
	if got, _ := NewFulfillerStatusAfterDispenseEvent(nil, bundle(&Request{ID: "r1"}), true); got != FulfillerNone {
		t.Errorf("nil dispense: got %q, want none", got)
	}
	if got, _ := NewFulfillerStatusAfterDispenseEvent(d, nil, true); got != FulfillerNone {
		t.Errorf("nil bundle: got %q, want none", got)
	}
	if got, _ := NewFulfillerStatusAfterDispenseEvent(d, bundle(nil), true); got != FulfillerNone {
		t.Errorf("bundle without request: got %q, want none", got)
	}
}

func TestNewFulfillerStatusAfterDispenseEventRestricted(t *testing.T) {
	request := &Request{ID: "r1", Quantity: qty(30, "tabs"), Refills: 0}

	t.Run("dispensing the full remainder completes", func(t *testing.T) {
		prior := testDispense("d1", DispenseCompleted, qty(20, "tabs"), transBase, "MedicationRequest/r1")
		event := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(event, bundle(request, prior), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerCompleted {
			t.Errorf("got %q, want completed", got)
		}
	})

	t.Run("overshooting the remainder also completes", func(t *testing.T) {
		prior := testDispense("d1", DispenseCompleted, qty(20, "tabs"), transBase, "MedicationRequest/r1")
		event := testDispense("d2", DispenseCompleted, qty(15, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(event, bundle(request, prior), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerCompleted {
			t.Errorf("got %q, want completed", got)
		}
	})

	t.Run("partial most recent fill clears stale marker", func(t *testing.T) {
		withHold := &Request{ID: "r1", Quantity: qty(30, "tabs"), FulfillerStatus: FulfillerOnHold}
		event := testDispense("d1", DispenseCompleted, qty(10, "tabs"), transBase, "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(event, bundle(withHold), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("editing a past event below the cap un-completes", func(t *testing.T) {
		completedReq := &Request{ID: "r1", Quantity: qty(30, "tabs"), FulfillerStatus: FulfillerCompleted}
		// d1 originally dispensed 20; the edit drops it to 5. d2 remains the
		// most recent event.
		edited := testDispense("d1", DispenseCompleted, qty(5, "tabs"), transBase, "MedicationRequest/r1")
		originalD1 := testDispense("d1", DispenseCompleted, qty(20, "tabs"), transBase, "MedicationRequest/r1")
		d2 := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(edited, bundle(completedReq, originalD1, d2), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("past event with cap not reached keeps current status", func(t *testing.T) {
		heldReq := &Request{ID: "r1", Quantity: qty(30, "tabs"), FulfillerStatus: FulfillerOnHold}
		edited := testDispense("d1", DispenseCompleted, qty(5, "tabs"), transBase, "MedicationRequest/r1")
		originalD1 := testDispense("d1", DispenseCompleted, qty(5, "tabs"), transBase, "MedicationRequest/r1")
		d2 := testDispense("d2", DispenseOnHold, nil, transBase.Add(time.Hour), "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(edited, bundle(heldReq, originalD1, d2), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerOnHold {
			t.Errorf("got %q, want on-hold", got)
		}
	})

	t.Run("status-only fill never completes", func(t *testing.T) {
		// Quantity zero means no quantity was dispensed even when nothing
		// remains on the order.
		drained := &Request{ID: "r1", Quantity: qty(10, "tabs")}
		prior := testDispense("d1", DispenseCompleted, qty(10, "tabs"), transBase, "MedicationRequest/r1")
		event := testDispense("d2", DispenseCompleted, nil, transBase.Add(time.Hour), "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(event, bundle(drained, prior), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("unit mismatch propagates", func(t *testing.T) {
		prior := testDispense("d1", DispenseCompleted, qty(10, "mL"), transBase, "MedicationRequest/r1")
		event := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		_, err := NewFulfillerStatusAfterDispenseEvent(event, bundle(request, prior), true)
		if !errors.Is(err, ErrUnitMismatch) {
			t.Errorf("error = %v, want ErrUnitMismatch", err)
		}
	})
}

func TestNewFulfillerStatusAfterDispenseEventUnrestricted(t *testing.T) {
	t.Run("most recent fill clears", func(t *testing.T) {
		heldReq := &Request{ID: "r1", FulfillerStatus: FulfillerOnHold}
		event := testDispense("d1", DispenseCompleted, qty(10, "tabs"), transBase, "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(event, bundle(heldReq), false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("past fill keeps current status", func(t *testing.T) {
		completedReq := &Request{ID: "r1", FulfillerStatus: FulfillerCompleted}
		edited := testDispense("d1", DispenseCompleted, qty(5, "tabs"), transBase, "MedicationRequest/r1")
		d2 := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got, err := NewFulfillerStatusAfterDispenseEvent(edited, bundle(completedReq, edited, d2), false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != FulfillerCompleted {
			t.Errorf("got %q, want completed", got)
		}
	})
}

func TestNewFulfillerStatusAfterDelete(t *testing.T) {
	request := &Request{ID: "r1", FulfillerStatus: FulfillerCompleted}

	t.Run("nil inputs clear", func(t *testing.T) {
		if got := NewFulfillerStatusAfterDelete(nil, bundle(request), true); got != FulfillerNone {
			t.Errorf("nil dispense: got %q, want none", got)
		}
		if got := NewFulfillerStatusAfterDelete(&Dispense{ID: "d1"}, nil, true); got != FulfillerNone {
			t.Errorf("nil bundle: got %q, want none", got)
		}
	})

	t.Run("deleting most recent hands over to declined predecessor", func(t *testing.T) {
		older := testDispense("d1", DispenseDeclined, nil, transBase, "MedicationRequest/r1")
		newest := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got := NewFulfillerStatusAfterDelete(newest, bundle(request, older, newest), true)
		if got != FulfillerDeclined {
			t.Errorf("got %q, want declined", got)
		}
	})

	t.Run("deleting most recent hands over to on-hold predecessor", func(t *testing.T) {
		older := testDispense("d1", DispenseOnHold, nil, transBase, "MedicationRequest/r1")
		newest := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got := NewFulfillerStatusAfterDelete(newest, bundle(request, older, newest), true)
		if got != FulfillerOnHold {
			t.Errorf("got %q, want on-hold", got)
		}
	})

	t.Run("deleting most recent over a completed predecessor clears", func(t *testing.T) {
		older := testDispense("d1", DispenseCompleted, qty(10, "tabs"), transBase, "MedicationRequest/r1")
		newest := testDispense("d2", DispenseCompleted, qty(20, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got := NewFulfillerStatusAfterDelete(newest, bundle(request, older, newest), true)
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("deleting the only event clears", func(t *testing.T) {
		only := testDispense("d1", DispenseCompleted, qty(10, "tabs"), transBase, "MedicationRequest/r1")
		got := NewFulfillerStatusAfterDelete(only, bundle(request, only), true)
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("deleting a past completed fill clears a completed marker", func(t *testing.T) {
		older := testDispense("d1", DispenseCompleted, qty(20, "tabs"), transBase, "MedicationRequest/r1")
		newest := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got := NewFulfillerStatusAfterDelete(older, bundle(request, older, newest), true)
		if got != FulfillerNone {
			t.Errorf("got %q, want none", got)
		}
	})

	t.Run("deleting a past pause event keeps current status", func(t *testing.T) {
		older := testDispense("d1", DispenseOnHold, nil, transBase, "MedicationRequest/r1")
		newest := testDispense("d2", DispenseCompleted, qty(10, "tabs"), transBase.Add(time.Hour), "MedicationRequest/r1")

		got := NewFulfillerStatusAfterDelete(older, bundle(request, older, newest), true)
		if got != FulfillerCompleted {
			t.Errorf("got %q, want completed", got)
		}
	})
}
