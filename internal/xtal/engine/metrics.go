package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are per-engine so tests and CLI runs never share a registry.
type Metrics struct {
	Registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	duplicates    prometheus.Counter
	recoveries    *prometheus.CounterVec
	zombies       prometheus.Counter
	oracleCalls   *prometheus.CounterVec
	missingInputs *prometheus.CounterVec
	decideSeconds prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalflow_decisions_total",
			Help: "Decisions by phase and result kind",
		}, []string{"phase", "result"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "xtalflow_duplicate_commands_total",
			Help: "Candidate commands rejected as repeats of earlier cycles",
		}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalflow_recoveries_total",
			Help: "Recognized tool failures by kind",
		}, []string{"kind"}),
		zombies: f.NewCounter(prometheus.CounterOpts{
			Name: "xtalflow_zombie_flags_cleared_total",
			Help: "Done flags cleared because their outputs were missing",
		}),
		oracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalflow_oracle_calls_total",
			Help: "Oracle attempts by outcome",
		}, []string{"outcome"}),
		missingInputs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalflow_missing_inputs_total",
			Help: "Programs that could not be built, by program",
		}, []string{"program"}),
		decideSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xtalflow_decide_duration_seconds",
			Help:    "Wall time of one decision cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

func (m *Metrics) decision(phase, result string) {
	if m != nil {
		m.decisions.WithLabelValues(phase, result).Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) recovery(kind string) {
	if m != nil {
		m.recoveries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) zombiesCleared(n int) {
	if m != nil && n > 0 {
		m.zombies.Add(float64(n))
	}
}

func (m *Metrics) oracleCall(outcome string) {
	if m != nil {
		m.oracleCalls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) missing(program string) {
	if m != nil {
		m.missingInputs.WithLabelValues(program).Inc()
	}
}

func (m *Metrics) observe(seconds float64) {
	if m != nil {
		m.decideSeconds.Observe(seconds)
	}
}
