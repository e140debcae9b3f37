package arbitration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for holds and arbitration.
type Metrics struct {
	HoldsLocked      *prometheus.CounterVec
	DisputesOpened   *prometheus.CounterVec
	VerdictsAccepted *prometheus.CounterVec
	AdjustmentsTotal *prometheus.CounterVec
	MaintenanceRuns  *prometheus.CounterVec
	MaintenanceSwept *prometheus.GaugeVec
}

// NewMetrics creates and registers arbitration metrics on the default
// registry.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

func newMetrics(auto promauto.Factory) *Metrics {
	return &Metrics{
		HoldsLocked: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbitration_holds_locked_total",
				Help: "Tool-call holds created",
			},
			[]string{"tenant_id"},
		),
		DisputesOpened: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbitration_disputes_opened_total",
				Help: "Disputes opened, by result (accepted, rejected)",
			},
			[]string{"tenant_id", "result"},
		),
		VerdictsAccepted: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbitration_verdicts_total",
				Help: "Verdicts processed, by outcome kind",
			},
			[]string{"tenant_id", "kind"},
		),
		AdjustmentsTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbitration_adjustments_total",
				Help: "Settlement adjustments applied, by trigger",
			},
			[]string{"tenant_id", "triggered_by"},
		),
		MaintenanceRuns: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbitration_maintenance_runs_total",
				Help: "Maintenance sweeps, by result (ok, locked)",
			},
			[]string{"tenant_id", "result"},
		),
		MaintenanceSwept: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbitration_maintenance_last_swept",
				Help: "Holds released and blocked in the last sweep",
			},
			[]string{"tenant_id", "class"}, // class: released, blocked
		),
	}
}

func (m *Metrics) RecordHoldLocked(tenantID string) {
	if m == nil {
		return
	}
	m.HoldsLocked.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) RecordDispute(tenantID, result string) {
	if m == nil {
		return
	}
	m.DisputesOpened.WithLabelValues(tenantID, result).Inc()
}

func (m *Metrics) RecordVerdict(tenantID, kind string) {
	if m == nil {
		return
	}
	m.VerdictsAccepted.WithLabelValues(tenantID, kind).Inc()
}

func (m *Metrics) RecordAdjustment(tenantID, triggeredBy string) {
	if m == nil {
		return
	}
	m.AdjustmentsTotal.WithLabelValues(tenantID, triggeredBy).Inc()
}

func (m *Metrics) RecordMaintenance(tenantID, result string, released, blocked int) {
	if m == nil {
		return
	}
	m.MaintenanceRuns.WithLabelValues(tenantID, result).Inc()
	if result == "ok" {
		m.MaintenanceSwept.WithLabelValues(tenantID, "released").Set(float64(released))
		m.MaintenanceSwept.WithLabelValues(tenantID, "blocked").Set(float64(blocked))
	}
}
