// Package observe holds the gateway's Prometheus instrumentation.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantgate/quantgate/internal/events"
)

// Metrics holds all Prometheus metrics for the gateway.
// Using a struct (not global vars) keeps metrics testable and avoids
// registry conflicts when multiple tests run in parallel.
type Metrics struct {
	ValidationsTotal   *prometheus.CounterVec
	ValidationDuration prometheus.Histogram
	ViolationsTotal    *prometheus.CounterVec

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsActive  prometheus.Gauge

	SandboxesCreated   *prometheus.CounterVec
	SandboxesDestroyed *prometheus.CounterVec
	PoolIdle           *prometheus.GaugeVec
	PoolLeased         *prometheus.GaugeVec

	LevelDegraded     *prometheus.GaugeVec
	AuditWriteErrors  prometheus.Counter
	NetworkDenials    prometheus.Counter
	DegradationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics on the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantgate_validations_total",
			Help: "Total validation requests, by content type and decision.",
		}, []string{"content_type", "decision"}),

		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantgate_validation_duration_seconds",
			Help:    "Duration of AST validation in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantgate_violations_total",
			Help: "Total capability violations detected, by kind.",
		}, []string{"kind"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantgate_executions_total",
			Help: "Total sandboxed executions, by isolation level and exit class.",
		}, []string{"level", "class"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quantgate_execution_duration_seconds",
			Help:    "Wall time of sandboxed execution in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"level"}),

		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantgate_executions_active",
			Help: "Number of executions currently running in sandboxes.",
		}),

		SandboxesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantgate_sandboxes_created_total",
			Help: "Total sandbox instances created, by isolation level.",
		}, []string{"level"}),

		SandboxesDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantgate_sandboxes_destroyed_total",
			Help: "Total sandbox instances destroyed, by isolation level.",
		}, []string{"level"}),

		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantgate_pool_idle",
			Help: "Idle sandbox instances per pool.",
		}, []string{"level"}),

		PoolLeased: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantgate_pool_leased",
			Help: "Leased sandbox instances per pool.",
		}, []string{"level"}),

		LevelDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantgate_level_degraded",
			Help: "Whether an isolation level is degraded (1=yes, 0=no).",
		}, []string{"level"}),

		AuditWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantgate_audit_write_errors_total",
			Help: "Total audit log write failures.",
		}),

		NetworkDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantgate_network_denials_total",
			Help: "Total denied outbound network attempts.",
		}),

		DegradationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantgate_degradations_total",
			Help: "Total degradation ladder trips, by level degraded.",
		}, []string{"level"}),
	}

	reg.MustRegister(
		m.ValidationsTotal,
		m.ValidationDuration,
		m.ViolationsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionsActive,
		m.SandboxesCreated,
		m.SandboxesDestroyed,
		m.PoolIdle,
		m.PoolLeased,
		m.LevelDegraded,
		m.AuditWriteErrors,
		m.NetworkDenials,
		m.DegradationsTotal,
	)

	return m
}

// Attach subscribes metric updates to the event bus so instrumentation
// stays out of the pipeline code.
func (m *Metrics) Attach(bus *events.Bus) {
	bus.Subscribe(events.ValidationCompleted, func(ev events.Event) {
		decision := "rejected"
		if approved, _ := ev.Fields["approved"].(bool); approved {
			decision = "approved"
		}
		ct, _ := ev.Fields["content_type"].(string)
		m.ValidationsTotal.WithLabelValues(ct, decision).Inc()
	})
	bus.Subscribe(events.SandboxCreated, func(ev events.Event) {
		m.SandboxesCreated.WithLabelValues(string(ev.Level)).Inc()
	})
	bus.Subscribe(events.SandboxDestroyed, func(ev events.Event) {
		m.SandboxesDestroyed.WithLabelValues(string(ev.Level)).Inc()
	})
	bus.Subscribe(events.DegradationTriggered, func(ev events.Event) {
		m.DegradationsTotal.WithLabelValues(string(ev.Level)).Inc()
		m.LevelDegraded.WithLabelValues(string(ev.Level)).Set(1)
	})
	bus.Subscribe(events.AuditWriteFailed, func(events.Event) {
		m.AuditWriteErrors.Inc()
	})
}
