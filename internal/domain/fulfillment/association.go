package fulfillment

import (
	"slices"
	"strings"
)

// AssociatedMedicationDispenses returns the dispense events whose authorizing
// prescription reference resolves to the given request. Orphan events whose
// reference matches no request in context are simply omitted.
func AssociatedMedicationDispenses(r *Request, dispenses []*Dispense) []*Dispense {
	if r == nil {
		return nil
	}
	var associated []*Dispense
	for _, d := range dispenses {
		if authorizedBy(d, r.ID) {
			associated = append(associated, d)
		}
	}
	return associated
}

// AssociatedMedicationRequest returns the request that authorized the given
// dispense event, or nil when none of the requests in context matches.
func AssociatedMedicationRequest(d *Dispense, requests []*Request) *Request {
	if d == nil {
		return nil
	}
	for _, r := range requests {
		if r != nil && authorizedBy(d, r.ID) {
			return r
		}
	}
	return nil
}

// authorizedBy reports whether the dispense's authorizing reference string
// ends in the request id.
func authorizedBy(d *Dispense, requestID string) bool {
	if d == nil || requestID == "" {
		return false
	}
	return strings.HasSuffix(d.AuthorizingPrescription, requestID)
}

// SortDispensesByRecorded returns a copy of the dispense list ordered most
// recent first by recorded timestamp. Ties, including missing timestamps, are
// broken by lexicographic id comparison so the order is a deterministic total
// order even when timestamps collide.
func SortDispensesByRecorded(dispenses []*Dispense) []*Dispense {
	sorted := slices.Clone(dispenses)
	slices.SortStableFunc(sorted, func(a, b *Dispense) int {
		if a.Recorded.After(b.Recorded) {
			return -1
		}
		if a.Recorded.Before(b.Recorded) {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sorted
}

// MostRecentMedicationDispenseStatus returns the status of the most recently
// recorded dispense event, or "" when the list is empty.
func MostRecentMedicationDispenseStatus(dispenses []*Dispense) DispenseStatus {
	return statusAtRank(dispenses, 0)
}

// NextMostRecentMedicationDispenseStatus returns the status of the second
// most recently recorded dispense event, or "" when there is none.
func NextMostRecentMedicationDispenseStatus(dispenses []*Dispense) DispenseStatus {
	return statusAtRank(dispenses, 1)
}

func statusAtRank(dispenses []*Dispense, rank int) DispenseStatus {
	sorted := SortDispensesByRecorded(dispenses)
	if len(sorted) <= rank {
		return ""
	}
	return sorted[rank].Status
}

// IsMostRecentMedicationDispense reports whether the given dispense event is
// the most recently recorded one in the list. False for a nil dispense or an
// empty list.
func IsMostRecentMedicationDispense(d *Dispense, dispenses []*Dispense) bool {
	if d == nil || len(dispenses) == 0 {
		return false
	}
	sorted := SortDispensesByRecorded(dispenses)
	return sorted[0].ID == d.ID
}
