// Package openmrs is the HTTP client for the OpenMRS FHIR R4 module. All
// calls run through a circuit breaker so a degraded EMR backend sheds load
// instead of piling up requests.
package openmrs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/fhir/r4"
	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/pkg/circuitbreaker"
)

const (
	fhirJSON      = "application/fhir+json"
	mergeJSON     = "application/merge-patch+json"
	defaultLimit  = 100
	clientTimeout = 15 * time.Second
)

// Config holds connection settings for the FHIR backend.
type Config struct {
	// BaseURL points at the FHIR R4 root, e.g. https://emr.example.org/openmrs/ws/fhir2/R4.
	BaseURL string
	// Username and Password are sent as HTTP basic auth.
	Username string
	Password string
	// Timeout bounds each request. Zero means the default.
	Timeout time.Duration
}

// StatusError is returned for non-2xx responses, carrying the backend's
// OperationOutcome diagnostics when present.
type StatusError struct {
	Code        int
	Diagnostics string
}

func (e *StatusError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("fhir backend returned %d: %s", e.Code, e.Diagnostics)
	}
	return fmt.Sprintf("fhir backend returned %d", e.Code)
}

// IsNotFound reports whether err is a 404 or 410 from the backend.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && (se.Code == http.StatusNotFound || se.Code == http.StatusGone)
}

// Client talks to the OpenMRS FHIR module.
type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewClient creates a client with a circuit breaker guarding every call.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = clientTimeout
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("openmrs-fhir"), logger)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}

	return &Client{
		base:     base,
		http:     &http.Client{Timeout: timeout},
		username: cfg.Username,
		password: cfg.Password,
		breaker:  breaker,
		logger:   logger,
		tracer:   otel.Tracer("openmrs-client"),
	}, nil
}

// Breaker exposes the underlying circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// SearchPrescription fetches all medication requests for an encounter
// together with their dispenses, in a single searchset bundle.
func (c *Client) SearchPrescription(ctx context.Context, encounterID string) (*r4.Bundle, error) {
	ctx, span := c.tracer.Start(ctx, "openmrs.search_prescription",
		trace.WithAttributes(attribute.String("encounter_id", encounterID)))
	defer span.End()

	q := url.Values{}
	q.Set("encounter", encounterID)
	q.Set("_revinclude", "MedicationDispense:prescription")
	q.Set("_count", fmt.Sprint(defaultLimit))

	body, err := c.do(ctx, http.MethodGet, "MedicationRequest?"+q.Encode(), nil, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var bundle r4.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, nil
}

// GetMedicationRequest fetches a single medication request by id.
func (c *Client) GetMedicationRequest(ctx context.Context, id string) (*r4.MedicationRequest, error) {
	ctx, span := c.tracer.Start(ctx, "openmrs.get_medication_request",
		trace.WithAttributes(attribute.String("request_id", id)))
	defer span.End()

	body, err := c.do(ctx, http.MethodGet, "MedicationRequest/"+url.PathEscape(id), nil, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var req r4.MedicationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode medication request: %w", err)
	}
	return &req, nil
}

// GetMedicationDispense fetches a single medication dispense by id.
func (c *Client) GetMedicationDispense(ctx context.Context, id string) (*r4.MedicationDispense, error) {
	ctx, span := c.tracer.Start(ctx, "openmrs.get_medication_dispense",
		trace.WithAttributes(attribute.String("dispense_id", id)))
	defer span.End()

	body, err := c.do(ctx, http.MethodGet, "MedicationDispense/"+url.PathEscape(id), nil, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var disp r4.MedicationDispense
	if err := json.Unmarshal(body, &disp); err != nil {
		return nil, fmt.Errorf("decode medication dispense: %w", err)
	}
	return &disp, nil
}

// CreateDispense posts a new medication dispense and returns the stored
// resource with its server-assigned id.
func (c *Client) CreateDispense(ctx context.Context, disp *r4.MedicationDispense) (*r4.MedicationDispense, error) {
	ctx, span := c.tracer.Start(ctx, "openmrs.create_dispense")
	defer span.End()

	payload, err := disp.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode medication dispense: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "MedicationDispense", payload, fhirJSON)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var created r4.MedicationDispense
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("decode created dispense: %w", err)
	}
	span.SetAttributes(attribute.String("dispense_id", created.ID))
	return &created, nil
}

// UpdateDispense replaces an existing medication dispense.
func (c *Client) UpdateDispense(ctx context.Context, disp *r4.MedicationDispense) (*r4.MedicationDispense, error) {
	ctx, span := c.tracer.Start(ctx, "openmrs.update_dispense",
		trace.WithAttributes(attribute.String("dispense_id", disp.ID)))
	defer span.End()

	payload, err := disp.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode medication dispense: %w", err)
	}

	body, err := c.do(ctx, http.MethodPut, "MedicationDispense/"+url.PathEscape(disp.ID), payload, fhirJSON)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var updated r4.MedicationDispense
	if err := json.Unmarshal(body, &updated); err != nil {
		return nil, fmt.Errorf("decode updated dispense: %w", err)
	}
	return &updated, nil
}

// DeleteDispense removes a medication dispense.
func (c *Client) DeleteDispense(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "openmrs.delete_dispense",
		trace.WithAttributes(attribute.String("dispense_id", id)))
	defer span.End()

	_, err := c.do(ctx, http.MethodDelete, "MedicationDispense/"+url.PathEscape(id), nil, "")
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// PatchFulfillerStatus sets or clears the fulfiller status extension on a
// medication request via JSON merge patch.
func (c *Client) PatchFulfillerStatus(ctx context.Context, requestID string, status fulfillment.FulfillerStatus) error {
	ctx, span := c.tracer.Start(ctx, "openmrs.patch_fulfiller_status",
		trace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("fulfiller_status", string(status)),
		))
	defer span.End()

	payload, err := r4.FulfillerStatusPatch(status)
	if err != nil {
		return fmt.Errorf("build fulfiller status patch: %w", err)
	}

	_, err = c.do(ctx, http.MethodPatch, "MedicationRequest/"+url.PathEscape(requestID), payload, mergeJSON)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// do issues an HTTP request through the circuit breaker and returns the
// response body. Non-2xx responses become a *StatusError.
func (c *Client) do(ctx context.Context, method, relative string, payload []byte, contentType string) ([]byte, error) {
	u, err := c.base.Parse(relative)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", fhirJSON)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, u.Path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Diagnostics: outcomeDiagnostics(data)}
		}
		return data, nil
	})
	if err != nil {
		c.logger.Debug("fhir call failed",
			zap.String("method", method),
			zap.String("path", u.Path),
			zap.Error(err))
		return nil, err
	}
	return result.([]byte), nil
}

func outcomeDiagnostics(data []byte) string {
	var outcome r4.OperationOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return ""
	}
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
	}
	return ""
}
