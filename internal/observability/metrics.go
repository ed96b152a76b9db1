package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exported by the service.
type Metrics struct {
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	profileSync      *prometheus.CounterVec
	profileHeals     prometheus.Counter
	stateTransitions *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entitlement_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_http_errors_total",
			Help: "HTTP error responses by route and error code.",
		}, []string{"route", "method", "code"}),
		profileSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_profile_sync_total",
			Help: "Profile synchronization outcomes.",
		}, []string{"outcome"}),
		profileHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_profile_self_heal_total",
			Help: "Profiles created because none existed for an active session.",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_session_transitions_total",
			Help: "Session state machine transitions by target phase.",
		}, []string{"phase"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_gate_decisions_total",
			Help: "Access gate decisions by gate and outcome.",
		}, []string{"gate", "outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_billing_webhook_events_total",
			Help: "Settlement webhook events by type and result.",
		}, []string{"type", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitlement_active_session_machines",
			Help: "Session state machines currently held in memory.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.requestLatency,
			m.errors,
			m.profileSync,
			m.profileHeals,
			m.stateTransitions,
			m.gateDecisions,
			m.webhookEvents,
			m.activeSessions,
		)
	}
	return m
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(route, method, code).Inc()
}

// RecordProfileSync counts a synchronizer outcome (ok, healed, timeout, error).
func (m *Metrics) RecordProfileSync(outcome string) {
	if m == nil {
		return
	}
	m.profileSync.WithLabelValues(outcome).Inc()
}

// RecordSelfHeal counts a self-healing profile insert.
func (m *Metrics) RecordSelfHeal() {
	if m == nil {
		return
	}
	m.profileHeals.Inc()
}

// RecordTransition counts a published session phase.
func (m *Metrics) RecordTransition(phase string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(phase).Inc()
}

// RecordGateDecision counts a gate outcome.
func (m *Metrics) RecordGateDecision(gate, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(gate, outcome).Inc()
}

// RecordWebhookEvent counts a settlement webhook delivery.
func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// SetActiveSessions reports how many session machines are resident.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
