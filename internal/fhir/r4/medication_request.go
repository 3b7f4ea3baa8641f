package r4

import (
	"encoding/json"
	"time"
)

// MedicationRequest represents a FHIR R4 MedicationRequest resource — a
// prescription order as the OpenMRS backend serves it.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// Status of the order: active | cancelled | completed | expired
	Status string `json:"status"`

	Intent   string `json:"intent,omitempty"`
	Priority string `json:"priority,omitempty"`

	// Medication being ordered (R4 choice type)
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`

	Subject   Reference  `json:"subject"`
	Encounter *Reference `json:"encounter,omitempty"`
	Requester *Reference `json:"requester,omitempty"`

	AuthoredOn time.Time `json:"authoredOn,omitzero"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`

	DispenseRequest *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains the requested dispensing details.
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// GetQuantity returns the per-fill dispense quantity value and coded unit.
func (m *MedicationRequest) GetQuantity() (value float64, code string) {
	if m.DispenseRequest == nil || m.DispenseRequest.Quantity == nil {
		return 0, ""
	}
	return m.DispenseRequest.Quantity.Value, m.DispenseRequest.Quantity.Code
}

// GetRefillsAllowed returns the number of refills authorized.
func (m *MedicationRequest) GetRefillsAllowed() int {
	if m.DispenseRequest == nil {
		return 0
	}
	return m.DispenseRequest.NumberOfRepeatsAllowed
}

// GetValidityStart returns the start of the validity period, zero when the
// backend sent none.
func (m *MedicationRequest) GetValidityStart() time.Time {
	if m.DispenseRequest == nil || m.DispenseRequest.ValidityPeriod == nil {
		return time.Time{}
	}
	return m.DispenseRequest.ValidityPeriod.Start
}

// GetMedicationDisplay returns the display name of the ordered medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.MedicationReference != nil && m.MedicationReference.Display != "" {
		return m.MedicationReference.Display
	}
	if m.MedicationCodeableConcept != nil {
		if m.MedicationCodeableConcept.Text != "" {
			return m.MedicationCodeableConcept.Text
		}
		if len(m.MedicationCodeableConcept.Coding) > 0 {
			return m.MedicationCodeableConcept.Coding[0].Display
		}
	}
	return ""
}

// GetEncounterID returns the id of the encounter the order belongs to.
func (m *MedicationRequest) GetEncounterID() string {
	if m.Encounter == nil {
		return ""
	}
	return ExtractIDFromReference(m.Encounter.Reference)
}

// GetSigText returns the human-readable dosage instruction.
func (m *MedicationRequest) GetSigText() string {
	if len(m.DosageInstruction) > 0 {
		return m.DosageInstruction[0].Text
	}
	return ""
}

// GetFulfillerStatus reads the pharmacy fulfiller status extension. It returns
// the raw extension value ("on-hold" | "declined" | "completed") or "" when
// the extension is absent.
func (m *MedicationRequest) GetFulfillerStatus() string {
	ext := FindExtension(m.Extension, ExtFulfillerStatus)
	if ext == nil {
		return ""
	}
	if ext.ValueCode != "" {
		return ext.ValueCode
	}
	return ext.ValueString
}

// ToJSON serializes the MedicationRequest.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
