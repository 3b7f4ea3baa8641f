package fulfillment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of dispensing lifecycle event published to
// downstream consumers.
type EventType string

const (
	EventDispenseRecorded       EventType = "DispenseRecorded"
	EventDispenseAmended        EventType = "DispenseAmended"
	EventDispenseDeleted        EventType = "DispenseDeleted"
	EventFulfillerStatusChanged EventType = "FulfillerStatusChanged"
	EventPrescriptionExpired    EventType = "PrescriptionExpired"
)

// Event represents a dispensing lifecycle event.
type Event struct {
	ID          string          `json:"id"`
	EventType   EventType       `json:"event_type"`
	RequestID   string          `json:"request_id"`
	EncounterID string          `json:"encounter_id,omitempty"`
	EventData   json.RawMessage `json:"event_data"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// NewEvent creates a new event with the given typed data.
func NewEvent(eventType EventType, requestID, encounterID string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          uuid.New().String(),
		EventType:   eventType,
		RequestID:   requestID,
		EncounterID: encounterID,
		EventData:   eventData,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// DispenseEventData describes a dispense create/edit/delete.
type DispenseEventData struct {
	DispenseID    string         `json:"dispense_id"`
	RequestID     string         `json:"request_id"`
	EncounterID   string         `json:"encounter_id,omitempty"`
	Status        DispenseStatus `json:"status"`
	QuantityValue float64        `json:"quantity_value,omitempty"`
	QuantityUnit  string         `json:"quantity_unit,omitempty"`
	Recorded      time.Time      `json:"recorded,omitzero"`
}

// FulfillerStatusChangedData describes a fulfiller status transition written
// back to the clinical backend.
type FulfillerStatusChangedData struct {
	RequestID   string          `json:"request_id"`
	EncounterID string          `json:"encounter_id,omitempty"`
	Previous    FulfillerStatus `json:"previous"`
	Current     FulfillerStatus `json:"current"`
	DispenseID  string          `json:"dispense_id,omitempty"`
	PerformedBy string          `json:"performed_by,omitempty"`
	ChangedAt   time.Time       `json:"changed_at"`
}

// PrescriptionExpiredData describes a request flagged by the expiration
// sweep.
type PrescriptionExpiredData struct {
	RequestID     string    `json:"request_id"`
	EncounterID   string    `json:"encounter_id,omitempty"`
	ValidityStart time.Time `json:"validity_start"`
	DetectedAt    time.Time `json:"detected_at"`
}
