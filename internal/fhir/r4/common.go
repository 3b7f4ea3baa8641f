// Package r4 provides the FHIR R4 data structures the dispensing service
// exchanges with the OpenMRS backend, restricted to the fields the
// reconciliation engine and the dispensing API read.
package r4

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource, e.g.
// "MedicationRequest/6a9fdf12".
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Period represents a time period. A zero Start means absent.
type Period struct {
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

// Quantity represents a measured amount. Code is the coded unit and is the
// field the engine compares for unit consistency.
type Quantity struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Code  string  `json:"code,omitempty"`
}

// Dosage carries the human-readable sig for display purposes.
type Dosage struct {
	Text        string           `json:"text,omitempty"`
	AsNeeded    bool             `json:"asNeededBoolean,omitempty"`
	Route       *CodeableConcept `json:"route,omitempty"`
	DoseAndRate []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Extension represents a FHIR extension. OpenMRS carries the fulfiller status
// and the dispense recorded datetime in extensions keyed by well-known URLs.
type Extension struct {
	URL           string    `json:"url"`
	ValueString   string    `json:"valueString,omitempty"`
	ValueCode     string    `json:"valueCode,omitempty"`
	ValueDateTime time.Time `json:"valueDateTime,omitzero"`
}

// FindExtension returns the first extension with the given URL, or nil.
func FindExtension(exts []Extension, url string) *Extension {
	for i := range exts {
		if exts[i].URL == url {
			return &exts[i]
		}
	}
	return nil
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Well-known extension URLs on the OpenMRS FHIR surface.
const (
	ExtFulfillerStatus  = "http://fhir.openmrs.org/ext/medicationrequest/fulfillerstatus"
	ExtDispenseRecorded = "http://fhir.openmrs.org/ext/medicationdispense/recorded"
)

// MedicationRequest lifecycle statuses.
const (
	StatusActive    = "active"
	StatusOnHold    = "on-hold"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
	StatusStopped   = "stopped"
	StatusUnknown   = "unknown"
)

// MedicationDispense statuses the dispensing workflow produces.
const (
	DispenseStatusCompleted = "completed"
	DispenseStatusOnHold    = "on-hold"
	DispenseStatusDeclined  = "declined"
)

// ExtractIDFromReference extracts the trailing id from a FHIR reference
// string such as "MedicationRequest/123" or "urn:uuid:123".
func ExtractIDFromReference(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
