package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the gate state machine.
type Metrics struct {
	GateTransitions *prometheus.CounterVec
	GateFailures    *prometheus.CounterVec
	EscrowLocked    *prometheus.GaugeVec
	SettledAmount   *prometheus.CounterVec
	VerifyDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the gate metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		GateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gate_transitions_total",
				Help: "Gate state transitions by target state",
			},
			[]string{"tenant_id", "state"},
		),
		GateFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gate_failures_total",
				Help: "Rejected gate operations by reason code",
			},
			[]string{"tenant_id", "code"},
		),
		EscrowLocked: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "x402_escrow_locked_cents",
				Help: "Currently escrow-locked amount per tenant and currency",
			},
			[]string{"tenant_id", "currency"},
		),
		SettledAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_settled_cents_total",
				Help: "Settled amount by outcome (released, refunded, held)",
			},
			[]string{"tenant_id", "outcome"},
		),
		VerifyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_verify_duration_seconds",
				Help:    "Duration of gate verification including settlement commit",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id"},
		),
	}
}

// RecordTransition records a successful state change.
func (m *Metrics) RecordTransition(tenantID, state string) {
	if m == nil {
		return
	}
	m.GateTransitions.WithLabelValues(tenantID, state).Inc()
}

// RecordFailure records a rejected operation.
func (m *Metrics) RecordFailure(tenantID, code string) {
	if m == nil {
		return
	}
	m.GateFailures.WithLabelValues(tenantID, code).Inc()
}

// RecordSettlement records a settled amount by outcome.
func (m *Metrics) RecordSettlement(tenantID, outcome string, amountCents int64) {
	if m == nil {
		return
	}
	m.SettledAmount.WithLabelValues(tenantID, outcome).Add(float64(amountCents))
}

// AddLocked moves the locked gauge by delta cents.
func (m *Metrics) AddLocked(tenantID, currency string, deltaCents int64) {
	if m == nil {
		return
	}
	m.EscrowLocked.WithLabelValues(tenantID, currency).Add(float64(deltaCents))
}

// ObserveVerify records a verification duration.
func (m *Metrics) ObserveVerify(tenantID string, seconds float64) {
	if m == nil {
		return
	}
	m.VerifyDuration.WithLabelValues(tenantID).Observe(seconds)
}
