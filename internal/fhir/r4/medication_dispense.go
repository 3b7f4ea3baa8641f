package r4

import (
	"encoding/json"
	"time"
)

// MedicationDispense represents a FHIR R4 MedicationDispense resource — one
// dispense event recorded against an authorizing prescription. A dispense with
// status on-hold or declined is a pause/close action rather than an actual
// handover of medication.
type MedicationDispense struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`

	// Status: completed | on-hold | declined
	Status string `json:"status"`

	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`

	Subject *Reference `json:"subject,omitempty"`

	// Context is the encounter in R4.
	Context *Reference `json:"context,omitempty"`

	Performer []DispensePerformer `json:"performer,omitempty"`

	// AuthorizingPrescription references the MedicationRequest this event
	// fulfills. OpenMRS always populates exactly one entry.
	AuthorizingPrescription []Reference `json:"authorizingPrescription,omitempty"`

	Type     *CodeableConcept `json:"type,omitempty"`
	Quantity *Quantity        `json:"quantity,omitempty"`

	WhenPrepared   time.Time `json:"whenPrepared,omitzero"`
	WhenHandedOver time.Time `json:"whenHandedOver,omitzero"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

// DispensePerformer identifies who performed the dispense.
type DispensePerformer struct {
	Actor Reference `json:"actor"`
}

// GetAuthorizingReference returns the raw authorizing prescription reference
// string, or "" when absent.
func (d *MedicationDispense) GetAuthorizingReference() string {
	if len(d.AuthorizingPrescription) == 0 {
		return ""
	}
	return d.AuthorizingPrescription[0].Reference
}

// GetRecorded returns the recorded datetime carried in the OpenMRS extension.
// This is the ordering timestamp for dispense events and is distinct from
// whenHandedOver. Zero when the extension is absent.
func (d *MedicationDispense) GetRecorded() time.Time {
	ext := FindExtension(d.Extension, ExtDispenseRecorded)
	if ext == nil {
		return time.Time{}
	}
	return ext.ValueDateTime
}

// SetRecorded sets or replaces the recorded datetime extension.
func (d *MedicationDispense) SetRecorded(t time.Time) {
	if ext := FindExtension(d.Extension, ExtDispenseRecorded); ext != nil {
		ext.ValueDateTime = t
		return
	}
	d.Extension = append(d.Extension, Extension{URL: ExtDispenseRecorded, ValueDateTime: t})
}

// GetQuantityValue returns the dispensed quantity value and coded unit.
func (d *MedicationDispense) GetQuantityValue() (value float64, code string) {
	if d.Quantity == nil {
		return 0, ""
	}
	return d.Quantity.Value, d.Quantity.Code
}

// ToJSON serializes the MedicationDispense.
func (d *MedicationDispense) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}
