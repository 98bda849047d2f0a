package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	attempts    *prometheus.CounterVec
	generations *prometheus.CounterVec
	selections  *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewMetrics registers the generation collectors on reg. A nil registerer
// yields unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaypool",
			Name:      "generation_attempts_total",
			Help:      "Generation attempts by outcome.",
		}, []string{"outcome"}),
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaypool",
			Name:      "generations_total",
			Help:      "Completed generation runs by result.",
		}, []string{"result"}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaypool",
			Name:      "proxy_selections_total",
			Help:      "Transport choices per attempt by tier, or direct.",
		}, []string{"tier"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaypool",
			Name:      "generation_duration_seconds",
			Help:      "End-to-end generation run duration.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}),
	}
}

func (m *Metrics) observeAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeSelection(tier string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(tier).Inc()
}

func (m *Metrics) observeRun(success bool, seconds float64) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "succeeded"
	}
	m.generations.WithLabelValues(result).Inc()
	m.duration.Observe(seconds)
}
