package r4

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
)

func TestBundlePartition(t *testing.T) {
	raw := `{
		"resourceType": "Bundle",
		"type": "searchset",
		"total": 3,
		"entry": [
			{"resource": {"resourceType": "MedicationRequest", "id": "req-1", "status": "active", "subject": {"reference": "Patient/p-1"}}},
			{"resource": {"resourceType": "MedicationDispense", "id": "d-1", "status": "completed"}},
			{"resource": {"resourceType": "Patient", "id": "p-1"}},
			{}
		]
	}`

	var bundle Bundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	requests, dispenses, err := bundle.Partition()
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(requests) != 1 || requests[0].ID != "req-1" {
		t.Errorf("requests = %+v, want one req-1", requests)
	}
	if len(dispenses) != 1 || dispenses[0].ID != "d-1" {
		t.Errorf("dispenses = %+v, want one d-1", dispenses)
	}
}

func TestBundlePartitionMalformedEntry(t *testing.T) {
	bundle := Bundle{Entry: []BundleEntry{{Resource: json.RawMessage(`"not an object"`)}}}
	if _, _, err := bundle.Partition(); err == nil {
		t.Fatal("expected error for malformed entry")
	}
}

func TestToRequest(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           "req-1",
		Status:       StatusActive,
		Extension: []Extension{
			{URL: ExtFulfillerStatus, ValueCode: "on-hold"},
		},
		Encounter: &Reference{Reference: "Encounter/enc-1"},
		DispenseRequest: &DispenseRequest{
			ValidityPeriod:         &Period{Start: start},
			NumberOfRepeatsAllowed: 2,
			Quantity:               &Quantity{Value: 30, Code: "tab"},
		},
	}

	req := m.ToRequest()
	if req.ID != "req-1" {
		t.Errorf("ID = %q", req.ID)
	}
	if req.Status != fulfillment.RequestActive {
		t.Errorf("Status = %q", req.Status)
	}
	if req.FulfillerStatus != fulfillment.FulfillerOnHold {
		t.Errorf("FulfillerStatus = %q", req.FulfillerStatus)
	}
	if req.EncounterID != "enc-1" {
		t.Errorf("EncounterID = %q", req.EncounterID)
	}
	if !req.ValidityStart.Equal(start) {
		t.Errorf("ValidityStart = %v", req.ValidityStart)
	}
	if req.Quantity == nil || req.Quantity.Value != 30 || req.Quantity.Unit != "tab" {
		t.Errorf("Quantity = %+v", req.Quantity)
	}
	if req.Refills != 2 {
		t.Errorf("Refills = %d", req.Refills)
	}
}

func TestToRequestWithoutOptionalFields(t *testing.T) {
	m := &MedicationRequest{ResourceType: "MedicationRequest", ID: "req-1", Status: StatusCancelled}
	req := m.ToRequest()
	if req.FulfillerStatus != fulfillment.FulfillerNone {
		t.Errorf("FulfillerStatus = %q, want none", req.FulfillerStatus)
	}
	if req.Quantity != nil {
		t.Errorf("Quantity = %+v, want nil", req.Quantity)
	}
	if !req.ValidityStart.IsZero() {
		t.Errorf("ValidityStart = %v, want zero", req.ValidityStart)
	}
}

func TestToDispense(t *testing.T) {
	recorded := time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)
	d := &MedicationDispense{
		ResourceType:            "MedicationDispense",
		ID:                      "d-1",
		Status:                  DispenseStatusCompleted,
		AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/req-1"}},
		Quantity:                &Quantity{Value: 10, Code: "tab"},
		Extension: []Extension{
			{URL: ExtDispenseRecorded, ValueDateTime: recorded},
		},
	}

	disp := d.ToDispense()
	if disp.ID != "d-1" {
		t.Errorf("ID = %q", disp.ID)
	}
	if disp.Status != fulfillment.DispenseCompleted {
		t.Errorf("Status = %q", disp.Status)
	}
	if disp.AuthorizingPrescription != "MedicationRequest/req-1" {
		t.Errorf("AuthorizingPrescription = %q", disp.AuthorizingPrescription)
	}
	if disp.Quantity == nil || disp.Quantity.Value != 10 || disp.Quantity.Unit != "tab" {
		t.Errorf("Quantity = %+v", disp.Quantity)
	}
	if !disp.Recorded.Equal(recorded) {
		t.Errorf("Recorded = %v", disp.Recorded)
	}
}

func TestToDispenseStatusOnly(t *testing.T) {
	d := &MedicationDispense{
		ResourceType:            "MedicationDispense",
		ID:                      "d-1",
		Status:                  DispenseStatusOnHold,
		AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/req-1"}},
	}
	disp := d.ToDispense()
	if disp.Quantity != nil {
		t.Errorf("Quantity = %+v, want nil for pause event", disp.Quantity)
	}
	if !disp.Recorded.IsZero() {
		t.Errorf("Recorded = %v, want zero", disp.Recorded)
	}
}

func TestNewRequestBundleAssociatesAndSorts(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &MedicationRequest{ResourceType: "MedicationRequest", ID: "req-1", Status: StatusActive}

	older := &MedicationDispense{
		ResourceType: "MedicationDispense", ID: "d-old", Status: DispenseStatusCompleted,
		AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/req-1"}},
		Extension:               []Extension{{URL: ExtDispenseRecorded, ValueDateTime: base}},
	}
	newer := &MedicationDispense{
		ResourceType: "MedicationDispense", ID: "d-new", Status: DispenseStatusCompleted,
		AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/req-1"}},
		Extension:               []Extension{{URL: ExtDispenseRecorded, ValueDateTime: base.Add(time.Hour)}},
	}
	other := &MedicationDispense{
		ResourceType: "MedicationDispense", ID: "d-other", Status: DispenseStatusCompleted,
		AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/req-2"}},
	}

	rb := NewRequestBundle(m, []*MedicationDispense{older, other, newer})
	if len(rb.Dispenses) != 2 {
		t.Fatalf("len(Dispenses) = %d, want 2", len(rb.Dispenses))
	}
	if rb.Dispenses[0].ID != "d-new" || rb.Dispenses[1].ID != "d-old" {
		t.Errorf("order = %s, %s; want most recent first", rb.Dispenses[0].ID, rb.Dispenses[1].ID)
	}
}

func TestFulfillerStatusPatch(t *testing.T) {
	payload, err := FulfillerStatusPatch(fulfillment.FulfillerCompleted)
	if err != nil {
		t.Fatalf("FulfillerStatusPatch: %v", err)
	}

	var patch struct {
		Extension []Extension `json:"extension"`
	}
	if err := json.Unmarshal(payload, &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if len(patch.Extension) != 1 {
		t.Fatalf("len(extension) = %d", len(patch.Extension))
	}
	if patch.Extension[0].URL != ExtFulfillerStatus {
		t.Errorf("url = %q", patch.Extension[0].URL)
	}
	if patch.Extension[0].ValueCode != "completed" {
		t.Errorf("valueCode = %q", patch.Extension[0].ValueCode)
	}
}

func TestFulfillerStatusPatchClear(t *testing.T) {
	payload, err := FulfillerStatusPatch(fulfillment.FulfillerNone)
	if err != nil {
		t.Fatalf("FulfillerStatusPatch: %v", err)
	}
	if string(payload) != `{"extension":null}` {
		t.Errorf("payload = %s, want null extension merge patch", payload)
	}
}

func TestExtractIDFromReference(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"MedicationRequest/abc-123", "abc-123"},
		{"urn:uuid:abc-123", "abc-123"},
		{"abc-123", "abc-123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractIDFromReference(tt.ref); got != tt.want {
			t.Errorf("ExtractIDFromReference(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
