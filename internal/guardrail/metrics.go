package guardrail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds prometheus collectors for guardrail decisions. A nil *Metrics
// records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	matches       *prometheus.CounterVec
	confirmations *prometheus.CounterVec
}

// NewMetrics registers the guardrail collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepwise",
				Subsystem: "guardrail",
				Name:      "decisions_total",
				Help:      "Guardrail decisions by final verdict and assessed risk",
			},
			[]string{"verdict", "risk"},
		),
		matches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepwise",
				Subsystem: "guardrail",
				Name:      "pattern_matches_total",
				Help:      "Dangerous pattern matches by pattern id",
			},
			[]string{"pattern"},
		),
		confirmations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepwise",
				Subsystem: "guardrail",
				Name:      "confirmations_total",
				Help:      "Confirmation outcomes (approve, deny, modify, error)",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) decision(r Review) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(r.Decision.Verdict), r.Assessment.Risk.String()).Inc()
	for _, p := range r.Assessment.MatchedPatterns {
		m.matches.WithLabelValues(p.ID).Inc()
	}
}

func (m *Metrics) confirmation(outcome string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(outcome).Inc()
}
