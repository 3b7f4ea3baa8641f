package fulfillment

import "slices"

// NewFulfillerStatusAfterDispenseEvent computes the fulfiller status to
// persist after a dispense event is created or edited.
//
// A pause/close event (status on-hold or declined) always sets the fulfiller
// status to its own value, regardless of recency or quantities. For an actual
// fulfillment the rules depend on whether the configuration caps the total
// quantity dispensed: when capped, an event that dispenses at least the
// quantity remaining (computed without the event itself) completes the
// request; otherwise a most-recent event clears any stale marker, an edit
// that drops a past event below the cap un-completes the request, and
// anything else leaves the current value alone. The caller persists the
// result only when it differs from the request's current fulfiller status;
// FulfillerNone means clear the value, not keep a completed one.
func NewFulfillerStatusAfterDispenseEvent(d *Dispense, b *RequestBundle, restrictTotalQuantityDispensed bool) (FulfillerStatus, error) {
	if d == nil || b == nil || b.Request == nil {
		return FulfillerNone, nil
	}

	switch d.Status {
	case DispenseOnHold:
		return FulfillerOnHold, nil
	case DispenseDeclined:
		return FulfillerDeclined, nil
	}

	current := b.Request.FulfillerStatus

	// The bundle may already hold a prior version of this event (edit) or
	// not hold it at all (create); recency is judged against the history as
	// it will look once the event is applied, quantity remaining against the
	// history without it.
	prior := excludeDispense(b.Dispenses, d.ID)
	applied := append(slices.Clone(prior), d)
	mostRecent := IsMostRecentMedicationDispense(d, applied)

	if restrictTotalQuantityDispensed {
		remaining, err := QuantityRemaining(b.Request, prior)
		if err != nil {
			return FulfillerNone, err
		}
		var dispensed float64
		if d.Quantity != nil {
			dispensed = d.Quantity.Value
		}
		reachedMax := dispensed != 0 && dispensed >= remaining

		switch {
		case reachedMax:
			return FulfillerCompleted, nil
		case mostRecent:
			return FulfillerNone, nil
		case current == FulfillerCompleted:
			return FulfillerNone, nil
		default:
			return current, nil
		}
	}

	if mostRecent {
		return FulfillerNone, nil
	}
	return current, nil
}

// NewFulfillerStatusAfterDelete computes the fulfiller status to persist
// after a dispense event is deleted. Deleting the most recent event hands the
// fulfiller status to the next most recent one when that is a pause/close
// marker, and clears it otherwise. Deleting a past completed fulfillment
// clears any completed marker, since the total dispensed necessarily drops
// below a previously reached cap; deleting any other past event changes
// nothing.
func NewFulfillerStatusAfterDelete(d *Dispense, b *RequestBundle, restrictTotalQuantityDispensed bool) FulfillerStatus {
	if d == nil || b == nil || b.Request == nil {
		return FulfillerNone
	}
	current := b.Request.FulfillerStatus

	if IsMostRecentMedicationDispense(d, b.Dispenses) {
		switch NextMostRecentMedicationDispenseStatus(b.Dispenses) {
		case DispenseDeclined:
			return FulfillerDeclined
		case DispenseOnHold:
			return FulfillerOnHold
		default:
			return FulfillerNone
		}
	}

	if d.Status == DispenseCompleted {
		return FulfillerNone
	}
	return current
}

// excludeDispense returns the list without the dispense of the given id.
func excludeDispense(dispenses []*Dispense, id string) []*Dispense {
	var rest []*Dispense
	for _, d := range dispenses {
		if d.ID != id {
			rest = append(rest, d)
		}
	}
	return rest
}
