// Package metrics exposes Prometheus collectors for alert transitions and
// notification delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wardpager"

// Metrics holds every collector the engine and dispatcher update.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	Attempts         *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DegradedReports  *prometheus.CounterVec
	ActiveAlerts     prometheus.Gauge
	ArmedTimers      prometheus.Gauge
	PersistFailures  prometheus.Counter
	AuditDropped     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Committed alert state transitions",
		}, []string{"urgency", "state"}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Final outcome of recipient/channel pairs",
		}, []string{"channel", "outcome"}),

		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Individual channel send attempts",
		}, []string{"channel", "result"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one dispatch batch",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"broadcast"}),

		DegradedReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_reports_total",
			Help:      "Delivery reports with at least one undelivered pair",
		}, []string{"urgency"}),

		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Alerts held in memory",
		}),

		ArmedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed_timers",
			Help:      "Live escalation timers",
		}),

		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Transitions rolled back because the store was unavailable",
		}),

		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped or failed to append",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transitions,
			m.Deliveries,
			m.Attempts,
			m.DispatchDuration,
			m.DegradedReports,
			m.ActiveAlerts,
			m.ArmedTimers,
			m.PersistFailures,
			m.AuditDropped,
		)
	}
	return m
}

func (m *Metrics) Transition(urgency, state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(urgency, state).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Attempt(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Attempts.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveDispatch(broadcast bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if broadcast {
		label = "true"
	}
	m.DispatchDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) Degraded(urgency string) {
	if m == nil {
		return
	}
	m.DegradedReports.WithLabelValues(urgency).Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveAlerts.Set(float64(n))
}

func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.ArmedTimers.Set(float64(n))
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}
