// Package metrics provides Prometheus metrics for the dispensing module.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	DispensesCreated       prometheus.Counter
	DispensesAmended       prometheus.Counter
	DispensesDeleted       prometheus.Counter
	DispensesRejected      prometheus.Counter
	FulfillerStatusPatches *prometheus.CounterVec
	PrescriptionsExpired   prometheus.Counter
	PrescriptionFetches    prometheus.Counter
	UnitMismatches         prometheus.Counter
	RequestDuration        *prometheus.HistogramVec
	KafkaMessagesProduced  prometheus.Counter
	KafkaMessagesConsumed  prometheus.Counter
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		DispensesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_created_total",
			Help: "Total dispense events created",
		}),
		DispensesAmended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_amended_total",
			Help: "Total dispense events amended",
		}),
		DispensesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_deleted_total",
			Help: "Total dispense events deleted",
		}),
		DispensesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_rejected_total",
			Help: "Total dispense submissions rejected by validation",
		}),
		FulfillerStatusPatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfiller_status_patches_total",
			Help: "Total fulfiller status writebacks by resulting status",
		}, []string{"status"}),
		PrescriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_expired_total",
			Help: "Total prescriptions flipped to expired by the sweep",
		}),
		PrescriptionFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_fetches_total",
			Help: "Total prescription bundle fetches from the FHIR backend",
		}),
		UnitMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantity_unit_mismatches_total",
			Help: "Total computations aborted on quantity unit mismatch",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route", "status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.DispensesCreated,
		m.DispensesAmended,
		m.DispensesDeleted,
		m.DispensesRejected,
		m.FulfillerStatusPatches,
		m.PrescriptionsExpired,
		m.PrescriptionFetches,
		m.UnitMismatches,
		m.RequestDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
