// Package fulfillment implements the prescription/dispense status
// reconciliation engine: pure functions that derive a consistent fulfillment
// state for a prescription from its append-only dispense history, and decide
// what fulfiller status should be written back whenever a dispense event is
// created, edited, or deleted.
//
// Every function in this package is pure, synchronous, and side-effect-free.
// Callers fetch the inputs from the clinical backend and persist the outputs;
// the engine holds no state of its own.
package fulfillment

import "time"

// RequestStatus is the raw lifecycle status of a medication request.
type RequestStatus string

const (
	RequestActive    RequestStatus = "active"
	RequestCancelled RequestStatus = "cancelled"
	RequestCompleted RequestStatus = "completed"
	RequestExpired   RequestStatus = "expired"
)

// DispenseStatus is the status of a single dispense event. A completed
// dispense is an actual handover; on-hold and declined are pause/close
// actions recorded through the same resource.
type DispenseStatus string

const (
	DispenseCompleted DispenseStatus = "completed"
	DispenseOnHold    DispenseStatus = "on-hold"
	DispenseDeclined  DispenseStatus = "declined"
)

// FulfillerStatus is the pharmacy-side override status persisted on the
// request. FulfillerNone means the extension is absent; a transition function
// returning FulfillerNone tells the caller to clear it, not to leave it.
type FulfillerStatus string

const (
	FulfillerNone      FulfillerStatus = ""
	FulfillerOnHold    FulfillerStatus = "on-hold"
	FulfillerDeclined  FulfillerStatus = "declined"
	FulfillerCompleted FulfillerStatus = "completed"
)

// CombinedStatus is the single status presented to users, merging the raw
// request status and the fulfiller status by precedence. It is derived on
// demand and never persisted.
type CombinedStatus string

const (
	CombinedNone      CombinedStatus = ""
	CombinedActive    CombinedStatus = "active"
	CombinedOnHold    CombinedStatus = "on-hold"
	CombinedDeclined  CombinedStatus = "declined"
	CombinedCompleted CombinedStatus = "completed"
	CombinedExpired   CombinedStatus = "expired"
	CombinedCancelled CombinedStatus = "cancelled"
	CombinedUnknown   CombinedStatus = "unknown"
)

// Quantity is a value with a coded unit.
type Quantity struct {
	Value float64
	Unit  string
}

// Request is the engine's view of a medication request. The fulfiller status
// lives here as an explicit optional field; the URL-keyed extension
// representation is confined to the FHIR adapter.
type Request struct {
	ID              string
	EncounterID     string
	Status          RequestStatus
	FulfillerStatus FulfillerStatus

	// ValidityStart is the start of the order's validity period; zero when
	// the backend sent none.
	ValidityStart time.Time

	// Quantity is the per-fill quantity; nil when the order carries none.
	Quantity *Quantity

	// Refills is the number of repeats allowed beyond the initial fill.
	Refills int
}

// Dispense is the engine's view of one dispense event.
type Dispense struct {
	ID     string
	Status DispenseStatus

	// Quantity dispensed by this event; nil for status-only events.
	Quantity *Quantity

	// Recorded is the ordering timestamp (the extension-carried datetime,
	// distinct from whenHandedOver). Zero when absent.
	Recorded time.Time

	// AuthorizingPrescription is the raw reference string to the request
	// this event fulfills; it ends with the request's id.
	AuthorizingPrescription string
}

// RequestBundle is the in-memory aggregate of one request plus its associated
// dispense events. It is reconstructed on every query and never persisted.
type RequestBundle struct {
	Request   *Request
	Dispenses []*Dispense
}

// Quantified is anything that may carry a coded quantity unit. Requests and
// dispenses implement it so unit consistency can be checked across a mixed
// list.
type Quantified interface {
	// QuantityUnit returns the coded unit and whether a quantity is present.
	QuantityUnit() (code string, ok bool)
}

// QuantityUnit implements Quantified.
func (r *Request) QuantityUnit() (string, bool) {
	if r == nil || r.Quantity == nil {
		return "", false
	}
	return r.Quantity.Unit, true
}

// QuantityUnit implements Quantified.
func (d *Dispense) QuantityUnit() (string, bool) {
	if d == nil || d.Quantity == nil {
		return "", false
	}
	return d.Quantity.Unit, true
}
