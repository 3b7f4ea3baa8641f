package r4

import (
	"encoding/json"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
)

// This file is the serialization boundary between the FHIR resources the
// backend serves and the engine's domain types. The fulfiller status is an
// explicit field on the domain request; its URL-keyed extension
// representation never leaves this package.

// ToRequest converts a MedicationRequest into the engine's request view.
func (m *MedicationRequest) ToRequest() *fulfillment.Request {
	if m == nil {
		return nil
	}
	r := &fulfillment.Request{
		ID:              m.ID,
		EncounterID:     m.GetEncounterID(),
		Status:          fulfillment.RequestStatus(m.Status),
		FulfillerStatus: fulfillment.FulfillerStatus(m.GetFulfillerStatus()),
		ValidityStart:   m.GetValidityStart(),
		Refills:         m.GetRefillsAllowed(),
	}
	if m.DispenseRequest != nil && m.DispenseRequest.Quantity != nil {
		q := m.DispenseRequest.Quantity
		r.Quantity = &fulfillment.Quantity{Value: q.Value, Unit: q.Code}
	}
	return r
}

// ToDispense converts a MedicationDispense into the engine's dispense view.
func (d *MedicationDispense) ToDispense() *fulfillment.Dispense {
	if d == nil {
		return nil
	}
	out := &fulfillment.Dispense{
		ID:                      d.ID,
		Status:                  fulfillment.DispenseStatus(d.Status),
		Recorded:                d.GetRecorded(),
		AuthorizingPrescription: d.GetAuthorizingReference(),
	}
	if d.Quantity != nil {
		out.Quantity = &fulfillment.Quantity{Value: d.Quantity.Value, Unit: d.Quantity.Code}
	}
	return out
}

// ToRequests converts a slice of resources.
func ToRequests(resources []*MedicationRequest) []*fulfillment.Request {
	requests := make([]*fulfillment.Request, 0, len(resources))
	for _, m := range resources {
		requests = append(requests, m.ToRequest())
	}
	return requests
}

// ToDispenses converts a slice of resources.
func ToDispenses(resources []*MedicationDispense) []*fulfillment.Dispense {
	dispenses := make([]*fulfillment.Dispense, 0, len(resources))
	for _, d := range resources {
		dispenses = append(dispenses, d.ToDispense())
	}
	return dispenses
}

// NewRequestBundle builds the engine aggregate for one request: the request
// plus its associated dispenses ordered most recent first.
func NewRequestBundle(m *MedicationRequest, dispenses []*MedicationDispense) *fulfillment.RequestBundle {
	req := m.ToRequest()
	associated := fulfillment.AssociatedMedicationDispenses(req, ToDispenses(dispenses))
	return &fulfillment.RequestBundle{
		Request:   req,
		Dispenses: fulfillment.SortDispensesByRecorded(associated),
	}
}

// fulfillerStatusPatch is the merge-patch document shape for the fulfiller
// status extension. A null extension list removes the entry.
type fulfillerStatusPatch struct {
	Extension []Extension `json:"extension"`
}

// FulfillerStatusPatch builds the application/merge-patch+json body that sets
// the fulfiller status extension on a MedicationRequest, or clears it when
// the status is FulfillerNone.
func FulfillerStatusPatch(status fulfillment.FulfillerStatus) ([]byte, error) {
	if status == fulfillment.FulfillerNone {
		return json.Marshal(fulfillerStatusPatch{Extension: nil})
	}
	return json.Marshal(fulfillerStatusPatch{Extension: []Extension{{
		URL:       ExtFulfillerStatus,
		ValueCode: string(status),
	}}})
}
