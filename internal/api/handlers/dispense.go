// Package handlers provides HTTP handlers for the dispensing API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/api/middleware"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/fhir/r4"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/infrastructure/postgres"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/infrastructure/redpanda"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/observability/metrics"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/openmrs"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/pkg/circuitbreaker"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/pkg/idempotency"
)

// Config holds the dispensing policy knobs.
type Config struct {
	// ExpirationPeriodDays is the validity window for medication requests.
	ExpirationPeriodDays int
	// RestrictTotalQuantityDispensed caps dispensing at the total ordered
	// quantity and drives the completed fulfiller status.
	RestrictTotalQuantityDispensed bool
}

// DispenseHandler serves the prescription view and the dispense lifecycle.
type DispenseHandler struct {
	fhir    *openmrs.Client
	store   *postgres.Store
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	config  Config
}

// NewDispenseHandler creates the handler.
func NewDispenseHandler(fhir *openmrs.Client, store *postgres.Store, inbox *idempotency.Inbox, m *metrics.Metrics, cfg Config, logger *zap.Logger) *DispenseHandler {
	return &DispenseHandler{
		fhir:    fhir,
		store:   store,
		inbox:   inbox,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("dispense-handler"),
		config:  cfg,
	}
}

// Routes mounts the handler under /api/v1.
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/prescriptions/{encounterID}", h.GetPrescription)
	r.Post("/dispenses", h.CreateDispense)
	r.Put("/dispenses/{id}", h.UpdateDispense)
	r.Delete("/dispenses/{id}", h.DeleteDispense)
	r.Get("/fulfillments/{requestID}", h.GetFulfillment)
	r.Get("/encounters/{encounterID}/fulfillments", h.ListEncounterFulfillments)
	r.Get("/requests/{requestID}/audit", h.GetAuditTrail)
	return r
}

// DispenseView is one dispense event in the prescription response.
type DispenseView struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Quantity *float64   `json:"quantity,omitempty"`
	Unit     string     `json:"unit,omitempty"`
	Recorded *time.Time `json:"recorded,omitempty"`
}

// RequestView is one medication request with its derived fulfillment state.
type RequestView struct {
	ID                string         `json:"id"`
	MedicationDisplay string         `json:"medicationDisplay,omitempty"`
	Status            string         `json:"status"`
	FulfillerStatus   string         `json:"fulfillerStatus,omitempty"`
	ValidityStart     *time.Time     `json:"validityStart,omitempty"`
	Refills           int            `json:"refills"`
	QuantityOrdered   *float64       `json:"quantityOrdered,omitempty"`
	QuantityDispensed float64        `json:"quantityDispensed"`
	QuantityRemaining *float64       `json:"quantityRemaining,omitempty"`
	QuantityUnit      string         `json:"quantityUnit,omitempty"`
	Dispenses         []DispenseView `json:"dispenses"`
}

// PrescriptionResponse is the per-encounter prescription view.
type PrescriptionResponse struct {
	EncounterID string        `json:"encounterId"`
	Status      string        `json:"status"`
	Requests    []RequestView `json:"requests"`
}

// GetPrescription handles GET /prescriptions/{encounterID}.
func (h *DispenseHandler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_prescription")
	defer span.End()

	encounterID := chi.URLParam(r, "encounterID")
	if encounterID == "" {
		h.jsonError(w, "encounterID is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("encounter_id", encounterID))

	bundle, err := h.fhir.SearchPrescription(ctx, encounterID)
	if err != nil {
		h.backendError(w, r, "fetch prescription", err)
		return
	}
	h.metrics.PrescriptionFetches.Inc()

	fhirRequests, fhirDispenses, err := bundle.Partition()
	if err != nil {
		h.logger.Error("malformed prescription bundle",
			zap.String("encounter_id", encounterID),
			zap.Error(err))
		h.jsonError(w, "malformed bundle from backend", http.StatusBadGateway)
		return
	}

	resp := PrescriptionResponse{
		EncounterID: encounterID,
		Requests:    make([]RequestView, 0, len(fhirRequests)),
	}

	domainRequests := make([]*fulfillment.Request, 0, len(fhirRequests))
	for _, fr := range fhirRequests {
		rb := r4.NewRequestBundle(fr, fhirDispenses)
		domainRequests = append(domainRequests, rb.Request)

		view := RequestView{
			ID:                rb.Request.ID,
			MedicationDisplay: fr.GetMedicationDisplay(),
			Status:            string(fulfillment.MedicationRequestCombinedStatus(rb.Request, h.config.ExpirationPeriodDays)),
			FulfillerStatus:   string(rb.Request.FulfillerStatus),
			Refills:           rb.Request.Refills,
			Dispenses:         make([]DispenseView, 0, len(rb.Dispenses)),
		}
		if !rb.Request.ValidityStart.IsZero() {
			start := rb.Request.ValidityStart
			view.ValidityStart = &start
		}
		if rb.Request.Quantity != nil {
			view.QuantityUnit = rb.Request.Quantity.Unit
		}
		if ordered, ok := fulfillment.TotalQuantityOrdered(rb.Request); ok {
			view.QuantityOrdered = &ordered
		}

		dispensed, err := fulfillment.TotalQuantityDispensed(rb.Dispenses)
		if err != nil {
			h.unitMismatch(w, rb.Request.ID, err)
			return
		}
		view.QuantityDispensed = dispensed

		remaining, err := fulfillment.QuantityRemaining(rb.Request, rb.Dispenses)
		if err != nil {
			h.unitMismatch(w, rb.Request.ID, err)
			return
		}
		if view.QuantityOrdered != nil {
			view.QuantityRemaining = &remaining
		}

		for _, d := range rb.Dispenses {
			dv := DispenseView{ID: d.ID, Status: string(d.Status)}
			if d.Quantity != nil {
				dv.Quantity = &d.Quantity.Value
				dv.Unit = d.Quantity.Unit
			}
			if !d.Recorded.IsZero() {
				rec := d.Recorded
				dv.Recorded = &rec
			}
			view.Dispenses = append(view.Dispenses, dv)
		}

		resp.Requests = append(resp.Requests, view)
	}

	resp.Status = string(fulfillment.PrescriptionStatus(domainRequests, h.config.ExpirationPeriodDays))

	h.writeJSON(w, http.StatusOK, resp)
}

// DispenseResponse is returned from the dispense lifecycle endpoints.
type DispenseResponse struct {
	Dispense        *r4.MedicationDispense `json:"dispense,omitempty"`
	RequestID       string                 `json:"requestId"`
	FulfillerStatus string                 `json:"fulfillerStatus"`
	StatusChanged   bool                   `json:"statusChanged"`
}

// CreateDispense handles POST /dispenses. The body is a FHIR
// MedicationDispense whose authorizingPrescription references the request
// being fulfilled.
func (h *DispenseHandler) CreateDispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_dispense")
	defer span.End()

	var disp r4.MedicationDispense
	if err := json.NewDecoder(r.Body).Decode(&disp); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateDispense(&disp); err != nil {
		h.metrics.DispensesRejected.Inc()
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if disp.GetRecorded().IsZero() {
		disp.SetRecorded(time.Now().UTC())
	}

	requestID := r4.ExtractIDFromReference(disp.GetAuthorizingReference())
	span.SetAttributes(attribute.String("request_id", requestID))

	qty, _ := disp.GetQuantityValue()
	key := idempotency.GenerateKey(requestID, "", disp.Status, qty, disp.GetRecorded())

	payload, _ := disp.ToJSON()
	result, err := h.inbox.Process(ctx, key, "create-dispense", payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		resp, err := h.recordDispense(ctx, &disp, requestID, fulfillment.EventDispenseRecorded)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) || errors.Is(err, idempotency.ErrDuplicate) {
			h.jsonError(w, "submission already in progress", http.StatusConflict)
			return
		}
		h.dispenseError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !result.IsNew {
		// Replay of an already-recorded submission.
		status = http.StatusOK
	}
	h.metrics.DispensesCreated.Inc()
	h.writeRaw(w, status, result.Result)
}

// UpdateDispense handles PUT /dispenses/{id}.
func (h *DispenseHandler) UpdateDispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_dispense")
	defer span.End()

	id := chi.URLParam(r, "id")

	var disp r4.MedicationDispense
	if err := json.NewDecoder(r.Body).Decode(&disp); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	disp.ID = id
	if err := validateDispense(&disp); err != nil {
		h.metrics.DispensesRejected.Inc()
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if disp.GetRecorded().IsZero() {
		h.jsonError(w, "recorded datetime is required on amendment", http.StatusBadRequest)
		return
	}

	requestID := r4.ExtractIDFromReference(disp.GetAuthorizingReference())
	span.SetAttributes(
		attribute.String("dispense_id", id),
		attribute.String("request_id", requestID),
	)

	resp, err := h.recordDispense(ctx, &disp, requestID, fulfillment.EventDispenseAmended)
	if err != nil {
		h.dispenseError(w, r, err)
		return
	}
	h.metrics.DispensesAmended.Inc()
	h.writeJSON(w, http.StatusOK, resp)
}

// DeleteDispense handles DELETE /dispenses/{id}.
func (h *DispenseHandler) DeleteDispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "delete_dispense")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("dispense_id", id))

	existing, err := h.fhir.GetMedicationDispense(ctx, id)
	if err != nil {
		h.backendError(w, r, "fetch dispense", err)
		return
	}

	requestID := r4.ExtractIDFromReference(existing.GetAuthorizingReference())
	rb, err := h.loadBundle(ctx, requestID)
	if err != nil {
		h.backendError(w, r, "fetch prescription", err)
		return
	}

	newStatus := fulfillment.NewFulfillerStatusAfterDelete(
		existing.ToDispense(), rb, h.config.RestrictTotalQuantityDispensed)

	if err := h.fhir.DeleteDispense(ctx, id); err != nil {
		h.backendError(w, r, "delete dispense", err)
		return
	}

	changed, err := h.applyFulfillerStatus(ctx, rb.Request, newStatus)
	if err != nil {
		h.backendError(w, r, "update fulfiller status", err)
		return
	}

	if err := h.emitEvent(ctx, fulfillment.EventDispenseDeleted, rb.Request, existing, newStatus, changed); err != nil {
		h.logger.Error("failed to write outbox event",
			zap.String("dispense_id", id),
			zap.Error(err))
	}

	h.metrics.DispensesDeleted.Inc()
	h.writeJSON(w, http.StatusOK, DispenseResponse{
		RequestID:       requestID,
		FulfillerStatus: string(newStatus),
		StatusChanged:   changed,
	})
}

// recordDispense is the shared create/amend path: compute the new fulfiller
// status, persist the dispense, patch the status when it changed, and emit
// the lifecycle event.
func (h *DispenseHandler) recordDispense(ctx context.Context, disp *r4.MedicationDispense, requestID string, eventType fulfillment.EventType) (*DispenseResponse, error) {
	rb, err := h.loadBundle(ctx, requestID)
	if err != nil {
		return nil, err
	}

	newStatus, err := fulfillment.NewFulfillerStatusAfterDispenseEvent(
		disp.ToDispense(), rb, h.config.RestrictTotalQuantityDispensed)
	if err != nil {
		return nil, err
	}

	var stored *r4.MedicationDispense
	if eventType == fulfillment.EventDispenseAmended {
		stored, err = h.fhir.UpdateDispense(ctx, disp)
	} else {
		stored, err = h.fhir.CreateDispense(ctx, disp)
	}
	if err != nil {
		return nil, err
	}

	changed, err := h.applyFulfillerStatus(ctx, rb.Request, newStatus)
	if err != nil {
		return nil, err
	}

	if err := h.emitEvent(ctx, eventType, rb.Request, stored, newStatus, changed); err != nil {
		// The dispense is persisted; losing the event only delays the
		// projection until the next write.
		h.logger.Error("failed to write outbox event",
			zap.String("dispense_id", stored.ID),
			zap.Error(err))
	}

	return &DispenseResponse{
		Dispense:        stored,
		RequestID:       requestID,
		FulfillerStatus: string(newStatus),
		StatusChanged:   changed,
	}, nil
}

// loadBundle fetches the request and its sibling dispenses via the encounter
// searchset, so the engine sees the same history the UI does.
func (h *DispenseHandler) loadBundle(ctx context.Context, requestID string) (*fulfillment.RequestBundle, error) {
	req, err := h.fhir.GetMedicationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	encounterID := req.GetEncounterID()
	if encounterID == "" {
		return r4.NewRequestBundle(req, nil), nil
	}

	bundle, err := h.fhir.SearchPrescription(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	_, dispenses, err := bundle.Partition()
	if err != nil {
		return nil, err
	}
	return r4.NewRequestBundle(req, dispenses), nil
}

// applyFulfillerStatus patches the backend only when the computed status
// differs from the request's current value.
func (h *DispenseHandler) applyFulfillerStatus(ctx context.Context, req *fulfillment.Request, status fulfillment.FulfillerStatus) (bool, error) {
	if req.FulfillerStatus == status {
		return false, nil
	}
	if err := h.fhir.PatchFulfillerStatus(ctx, req.ID, status); err != nil {
		return false, err
	}
	label := string(status)
	if label == "" {
		label = "cleared"
	}
	h.metrics.FulfillerStatusPatches.WithLabelValues(label).Inc()
	return true, nil
}

// emitEvent writes the lifecycle event to the outbox, plus a status-change
// event when the fulfiller status moved, in a single transaction.
func (h *DispenseHandler) emitEvent(ctx context.Context, eventType fulfillment.EventType, req *fulfillment.Request, disp *r4.MedicationDispense, newStatus fulfillment.FulfillerStatus, statusChanged bool) error {
	qty, unit := disp.GetQuantityValue()
	data := fulfillment.DispenseEventData{
		DispenseID:    disp.ID,
		RequestID:     req.ID,
		EncounterID:   req.EncounterID,
		Status:        fulfillment.DispenseStatus(disp.Status),
		QuantityValue: qty,
		QuantityUnit:  unit,
		Recorded:      disp.GetRecorded(),
	}

	ev, err := fulfillment.NewEvent(eventType, req.ID, req.EncounterID, data)
	if err != nil {
		return err
	}

	tx, err := h.store.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := postgres.WriteEvent(ctx, tx, ev, redpanda.TopicDispenseEvents); err != nil {
		return err
	}

	if statusChanged {
		changed, err := fulfillment.NewEvent(fulfillment.EventFulfillerStatusChanged, req.ID, req.EncounterID,
			fulfillment.FulfillerStatusChangedData{
				RequestID:   req.ID,
				EncounterID: req.EncounterID,
				Previous:    req.FulfillerStatus,
				Current:     newStatus,
				DispenseID:  disp.ID,
				PerformedBy: middleware.GetClientID(ctx),
				ChangedAt:   time.Now().UTC(),
			})
		if err != nil {
			return err
		}
		if err := postgres.WriteEvent(ctx, tx, changed, redpanda.TopicDispenseEvents); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetFulfillment returns the projected fulfillment row for one request.
func (h *DispenseHandler) GetFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_fulfillment")
	defer span.End()

	requestID := chi.URLParam(r, "requestID")
	row, err := h.store.GetFulfillment(ctx, requestID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			h.jsonError(w, "no fulfillment recorded for request", http.StatusNotFound)
			return
		}
		h.logger.Error("fulfillment lookup failed",
			zap.String("medication_request_id", requestID), zap.Error(err))
		h.jsonError(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, row)
}

// ListEncounterFulfillments returns the projection rows for every request of
// an encounter.
func (h *DispenseHandler) ListEncounterFulfillments(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_encounter_fulfillments")
	defer span.End()

	encounterID := chi.URLParam(r, "encounterID")
	rows, err := h.store.ListByEncounter(ctx, encounterID)
	if err != nil {
		h.logger.Error("fulfillment listing failed",
			zap.String("encounter_id", encounterID), zap.Error(err))
		h.jsonError(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// GetAuditTrail returns the fulfiller status transitions for one request,
// newest first.
func (h *DispenseHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_audit_trail")
	defer span.End()

	requestID := chi.URLParam(r, "requestID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := h.store.ListAudit(ctx, requestID, limit)
	if err != nil {
		h.logger.Error("audit lookup failed",
			zap.String("medication_request_id", requestID), zap.Error(err))
		h.jsonError(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func validateDispense(d *r4.MedicationDispense) error {
	switch d.Status {
	case r4.DispenseStatusCompleted, r4.DispenseStatusOnHold, r4.DispenseStatusDeclined:
	default:
		return errors.New("status must be completed, on-hold, or declined")
	}
	if d.GetAuthorizingReference() == "" {
		return errors.New("authorizingPrescription is required")
	}
	if d.Status == r4.DispenseStatusCompleted && d.Quantity != nil && d.Quantity.Value < 0 {
		return errors.New("quantity must not be negative")
	}
	return nil
}

func (h *DispenseHandler) dispenseError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, fulfillment.ErrUnitMismatch) {
		h.metrics.UnitMismatches.Inc()
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.backendError(w, r, "record dispense", err)
}

func (h *DispenseHandler) backendError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed",
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))

	switch {
	case openmrs.IsNotFound(err):
		h.jsonError(w, "resource not found", http.StatusNotFound)
	case errors.Is(err, circuitbreaker.ErrOpen):
		h.jsonError(w, "backend temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.jsonError(w, "backend error", http.StatusBadGateway)
	}
}

func (h *DispenseHandler) unitMismatch(w http.ResponseWriter, requestID string, err error) {
	h.metrics.UnitMismatches.Inc()
	h.logger.Warn("quantity unit mismatch",
		zap.String("medication_request_id", requestID),
		zap.Error(err))
	h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
}

func (h *DispenseHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *DispenseHandler) writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *DispenseHandler) jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
