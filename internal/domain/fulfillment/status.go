package fulfillment

import "time"

// MedicationRequestStatus derives the lifecycle status of a request under
// this module's own expiration policy. Cancelled and completed are terminal
// and pass through unchanged. Otherwise the request is expired when its
// validity period started strictly before the expiration window, measured
// from the start of the current day; a request exactly expirationPeriodDays
// old is still active. Any backend-computed expired status is ignored: the
// backend counts days differently, and this module's policy wins.
func MedicationRequestStatus(r *Request, expirationPeriodDays int) RequestStatus {
	return medicationRequestStatusAt(r, expirationPeriodDays, time.Now())
}

func medicationRequestStatusAt(r *Request, expirationPeriodDays int, now time.Time) RequestStatus {
	if r == nil {
		return RequestActive
	}
	switch r.Status {
	case RequestCancelled, RequestCompleted:
		return r.Status
	}
	if !r.ValidityStart.IsZero() {
		cutoff := startOfDay(now).AddDate(0, 0, -expirationPeriodDays)
		if r.ValidityStart.Before(cutoff) {
			return RequestExpired
		}
	}
	return RequestActive
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// MedicationRequestCombinedStatus merges the derived lifecycle status with
// the fulfiller status into the single status shown to users. Terminal
// lifecycle statuses take precedence: a cancelled, completed, or expired
// request is never shown as on-hold or declined. While the request is active,
// a declined or on-hold fulfiller status surfaces; anything else, including a
// stray completed fulfiller status on a still-active request, reads as
// active.
func MedicationRequestCombinedStatus(r *Request, expirationPeriodDays int) CombinedStatus {
	return medicationRequestCombinedStatusAt(r, expirationPeriodDays, time.Now())
}

func medicationRequestCombinedStatusAt(r *Request, expirationPeriodDays int, now time.Time) CombinedStatus {
	if r == nil {
		return CombinedUnknown
	}
	switch medicationRequestStatusAt(r, expirationPeriodDays, now) {
	case RequestCancelled:
		return CombinedCancelled
	case RequestCompleted:
		return CombinedCompleted
	case RequestExpired:
		return CombinedExpired
	}
	switch r.FulfillerStatus {
	case FulfillerDeclined:
		return CombinedDeclined
	case FulfillerOnHold:
		return CombinedOnHold
	}
	return CombinedActive
}

// prescriptionStatusPriority orders combined statuses by how actionable they
// are; the first one present across a prescription's requests wins.
var prescriptionStatusPriority = []CombinedStatus{
	CombinedActive,
	CombinedOnHold,
	CombinedCompleted,
	CombinedDeclined,
	CombinedCancelled,
	CombinedExpired,
}

// PrescriptionStatus reduces all requests of one prescription (the orders
// tied to one encounter) to a single summary status: the highest-priority
// combined status present. A prescription with one active and one expired
// request therefore reads as active. Returns "" for an empty or nil input.
func PrescriptionStatus(requests []*Request, expirationPeriodDays int) CombinedStatus {
	return prescriptionStatusAt(requests, expirationPeriodDays, time.Now())
}

func prescriptionStatusAt(requests []*Request, expirationPeriodDays int, now time.Time) CombinedStatus {
	if len(requests) == 0 {
		return CombinedNone
	}
	present := make(map[CombinedStatus]bool, len(requests))
	for _, r := range requests {
		present[medicationRequestCombinedStatusAt(r, expirationPeriodDays, now)] = true
	}
	for _, s := range prescriptionStatusPriority {
		if present[s] {
			return s
		}
	}
	return CombinedNone
}
