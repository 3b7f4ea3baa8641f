package fulfillment

import (
	"errors"
	"fmt"
)

// ErrUnitMismatch indicates that quantity unit codes differ across a request
// and its dispenses. Summing incompatible units would be numerically
// meaningless, so the computation fails instead of coercing.
var ErrUnitMismatch = errors.New("quantity unit mismatch")

// QuantityUnitsMatch reports whether every item that carries a quantity uses
// the same coded unit. Items without a quantity are ignored; a list with no
// quantities at all matches vacuously.
func QuantityUnitsMatch(items ...Quantified) bool {
	first := ""
	seen := false
	for _, item := range items {
		unit, ok := item.QuantityUnit()
		if !ok {
			continue
		}
		if !seen {
			first = unit
			seen = true
			continue
		}
		if unit != first {
			return false
		}
	}
	return true
}

// TotalQuantityOrdered returns the total quantity authorized by the request:
// the per-fill quantity times one plus the allowed refills. ok is false when
// the request carries no quantity value.
func TotalQuantityOrdered(r *Request) (total float64, ok bool) {
	if r == nil || r.Quantity == nil || r.Quantity.Value == 0 {
		return 0, false
	}
	return r.Quantity.Value * float64(1+r.Refills), true
}

// TotalQuantityDispensed sums the quantity over the given dispense events.
// Events without a quantity contribute zero; a nil or empty list totals zero.
// Returns ErrUnitMismatch when the events disagree on the quantity unit.
func TotalQuantityDispensed(dispenses []*Dispense) (float64, error) {
	if len(dispenses) == 0 {
		return 0, nil
	}
	items := make([]Quantified, len(dispenses))
	for i, d := range dispenses {
		items[i] = d
	}
	if !QuantityUnitsMatch(items...) {
		return 0, fmt.Errorf("dispensed total: %w", ErrUnitMismatch)
	}
	var total float64
	for _, d := range dispenses {
		if d.Quantity != nil {
			total += d.Quantity.Value
		}
	}
	return total, nil
}

// QuantityRemaining returns the quantity still available to dispense against
// the request: total ordered minus the total already dispensed by the events
// associated with it. Dispenses authorized by other requests are excluded
// before summing. A nil request yields zero. Returns ErrUnitMismatch when the
// request and its dispenses disagree on the quantity unit.
func QuantityRemaining(r *Request, dispenses []*Dispense) (float64, error) {
	if r == nil {
		return 0, nil
	}
	associated := AssociatedMedicationDispenses(r, dispenses)

	items := make([]Quantified, 0, len(associated)+1)
	items = append(items, r)
	for _, d := range associated {
		items = append(items, d)
	}
	if !QuantityUnitsMatch(items...) {
		return 0, fmt.Errorf("request %s: %w", r.ID, ErrUnitMismatch)
	}

	ordered, _ := TotalQuantityOrdered(r)
	dispensed, err := TotalQuantityDispensed(associated)
	if err != nil {
		return 0, err
	}
	return ordered - dispensed, nil
}
