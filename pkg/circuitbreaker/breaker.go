// Package circuitbreaker wraps sony/gobreaker for calls to the clinical
// record backend, with OpenTelemetry counters and defaults tuned for a FHIR
// server that degrades slowly rather than hard-failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the circuit rejects a call without attempting it.
var ErrOpen = errors.New("circuit open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long to stay open before probing again.
	Timeout time.Duration
	// FailureThreshold opens the circuit on this many consecutive failures
	// before MinRequests is reached.
	FailureThreshold uint32
	// FailureRatio opens the circuit once this share of requests fails.
	FailureRatio float64
	// MinRequests is the minimum request count before the ratio applies.
	MinRequests uint32
}

// DefaultConfig returns defaults suitable for the FHIR backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
	}
}

// CircuitBreaker guards an external dependency.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requestCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a circuit breaker.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if c.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through the circuit breaker")); err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	if c.failureCounter, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	if c.rejectCounter, err = meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Total requests rejected while open")); err != nil {
		return nil, fmt.Errorf("create rejection counter: %w", err)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.onStateChange(from, to)
		},
	})

	return c, nil
}

// Execute runs fn through the breaker. When the circuit is open the call is
// rejected with ErrOpen without touching the backend.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.rejectCounter.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return nil, fmt.Errorf("%s: %w", c.name, ErrOpen)
		}
		c.failureCounter.Add(ctx, 1, attrs)
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// GetState returns the current state.
func (c *CircuitBreaker) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether the circuit is currently rejecting calls.
func (c *CircuitBreaker) IsOpen() bool {
	return c.GetState() == StateOpen
}

// Counts returns the breaker's current counts.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	c.mu.Lock()
	c.state = mapState(to)
	c.mu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
