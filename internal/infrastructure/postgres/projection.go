package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
)

// ErrNotFound indicates a missing projection row.
var ErrNotFound = errors.New("not found")

// FulfillmentRow is the read-model row kept per medication request. It is
// rebuilt from dispense events so dashboards and the expiration sweep can
// query fulfillment state without a FHIR round trip.
type FulfillmentRow struct {
	RequestID         string                      `json:"request_id"`
	EncounterID       string                      `json:"encounter_id,omitempty"`
	CombinedStatus    fulfillment.CombinedStatus  `json:"combined_status"`
	FulfillerStatus   fulfillment.FulfillerStatus `json:"fulfiller_status,omitempty"`
	QuantityDispensed float64                     `json:"quantity_dispensed"`
	QuantityRemaining float64                     `json:"quantity_remaining"`
	QuantityUnit      string                      `json:"quantity_unit,omitempty"`
	ValidityStart     *time.Time                  `json:"validity_start,omitempty"`
	LastEventAt       time.Time                   `json:"last_event_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// AuditRecord is one fulfiller status transition.
type AuditRecord struct {
	ID          int64                       `json:"id"`
	RequestID   string                      `json:"request_id"`
	DispenseID  string                      `json:"dispense_id,omitempty"`
	EventType   fulfillment.EventType       `json:"event_type"`
	FromStatus  fulfillment.FulfillerStatus `json:"from_status,omitempty"`
	ToStatus    fulfillment.FulfillerStatus `json:"to_status,omitempty"`
	RecordedAt  time.Time                   `json:"recorded_at"`
	PerformedBy string                      `json:"performed_by,omitempty"`
}

// Store persists the fulfillment projection and its audit trail.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a projection store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Pool exposes the underlying pool for transactional callers.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// UpsertFulfillment writes or replaces the projection row for a request.
func (s *Store) UpsertFulfillment(ctx context.Context, row *FulfillmentRow) error {
	query := `
		INSERT INTO prescription_fulfillment (
			request_id, encounter_id, combined_status, fulfiller_status,
			quantity_dispensed, quantity_remaining, quantity_unit,
			validity_start, last_event_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			encounter_id = EXCLUDED.encounter_id,
			combined_status = EXCLUDED.combined_status,
			fulfiller_status = EXCLUDED.fulfiller_status,
			quantity_dispensed = EXCLUDED.quantity_dispensed,
			quantity_remaining = EXCLUDED.quantity_remaining,
			quantity_unit = EXCLUDED.quantity_unit,
			validity_start = EXCLUDED.validity_start,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		row.RequestID, row.EncounterID, string(row.CombinedStatus), string(row.FulfillerStatus),
		row.QuantityDispensed, row.QuantityRemaining, row.QuantityUnit,
		row.ValidityStart, row.LastEventAt,
	)
	if err != nil {
		return fmt.Errorf("upsert fulfillment row: %w", err)
	}
	return nil
}

// GetFulfillment returns the projection row for a request.
func (s *Store) GetFulfillment(ctx context.Context, requestID string) (*FulfillmentRow, error) {
	query := `
		SELECT request_id, encounter_id, combined_status, fulfiller_status,
		       quantity_dispensed, quantity_remaining, quantity_unit,
		       validity_start, last_event_at, updated_at
		FROM prescription_fulfillment
		WHERE request_id = $1
	`
	row := &FulfillmentRow{}
	var combined, fulfiller string
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&row.RequestID, &row.EncounterID, &combined, &fulfiller,
		&row.QuantityDispensed, &row.QuantityRemaining, &row.QuantityUnit,
		&row.ValidityStart, &row.LastEventAt, &row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get fulfillment row: %w", err)
	}
	row.CombinedStatus = fulfillment.CombinedStatus(combined)
	row.FulfillerStatus = fulfillment.FulfillerStatus(fulfiller)
	return row, nil
}

// ListByEncounter returns all projection rows for an encounter.
func (s *Store) ListByEncounter(ctx context.Context, encounterID string) ([]*FulfillmentRow, error) {
	query := `
		SELECT request_id, encounter_id, combined_status, fulfiller_status,
		       quantity_dispensed, quantity_remaining, quantity_unit,
		       validity_start, last_event_at, updated_at
		FROM prescription_fulfillment
		WHERE encounter_id = $1
		ORDER BY request_id
	`
	rows, err := s.pool.Query(ctx, query, encounterID)
	if err != nil {
		return nil, fmt.Errorf("list fulfillment rows: %w", err)
	}
	defer rows.Close()

	var out []*FulfillmentRow
	for rows.Next() {
		row := &FulfillmentRow{}
		var combined, fulfiller string
		if err := rows.Scan(
			&row.RequestID, &row.EncounterID, &combined, &fulfiller,
			&row.QuantityDispensed, &row.QuantityRemaining, &row.QuantityUnit,
			&row.ValidityStart, &row.LastEventAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fulfillment row: %w", err)
		}
		row.CombinedStatus = fulfillment.CombinedStatus(combined)
		row.FulfillerStatus = fulfillment.FulfillerStatus(fulfiller)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListExpirable returns requests still shown as active whose validity period
// started before the cutoff. The sweep re-derives the status for each and
// publishes an expiration event when it flips.
func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]*FulfillmentRow, error) {
	query := `
		SELECT request_id, encounter_id, combined_status, fulfiller_status,
		       quantity_dispensed, quantity_remaining, quantity_unit,
		       validity_start, last_event_at, updated_at
		FROM prescription_fulfillment
		WHERE combined_status IN ('active', 'on-hold')
		  AND validity_start IS NOT NULL
		  AND validity_start < $1
		ORDER BY validity_start ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable rows: %w", err)
	}
	defer rows.Close()

	var out []*FulfillmentRow
	for rows.Next() {
		row := &FulfillmentRow{}
		var combined, fulfiller string
		if err := rows.Scan(
			&row.RequestID, &row.EncounterID, &combined, &fulfiller,
			&row.QuantityDispensed, &row.QuantityRemaining, &row.QuantityUnit,
			&row.ValidityStart, &row.LastEventAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fulfillment row: %w", err)
		}
		row.CombinedStatus = fulfillment.CombinedStatus(combined)
		row.FulfillerStatus = fulfillment.FulfillerStatus(fulfiller)
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkExpired flips the projected status of a request to expired.
func (s *Store) MarkExpired(ctx context.Context, requestID string) error {
	query := `
		UPDATE prescription_fulfillment
		SET combined_status = 'expired', updated_at = NOW()
		WHERE request_id = $1
	`
	_, err := s.pool.Exec(ctx, query, requestID)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return nil
}

// RecordAudit appends a fulfiller status transition to the audit log.
func (s *Store) RecordAudit(ctx context.Context, rec *AuditRecord) error {
	query := `
		INSERT INTO fulfiller_status_audit (
			request_id, dispense_id, event_type, from_status, to_status, recorded_at, performed_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RequestID, rec.DispenseID, string(rec.EventType),
		string(rec.FromStatus), string(rec.ToStatus), rec.RecordedAt, rec.PerformedBy,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListAudit returns the transition history for a request, newest first.
func (s *Store) ListAudit(ctx context.Context, requestID string, limit int) ([]*AuditRecord, error) {
	query := `
		SELECT id, request_id, dispense_id, event_type, from_status, to_status, recorded_at, performed_by
		FROM fulfiller_status_audit
		WHERE request_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var eventType, from, to string
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.DispenseID, &eventType,
			&from, &to, &rec.RecordedAt, &rec.PerformedBy,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.EventType = fulfillment.EventType(eventType)
		rec.FromStatus = fulfillment.FulfillerStatus(from)
		rec.ToStatus = fulfillment.FulfillerStatus(to)
		out = append(out, rec)
	}
	return out, rows.Err()
}
