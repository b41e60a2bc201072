package llm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficclaw",
			Name:      "provider_attempts_total",
			Help:      "LLM provider attempts by outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trafficclaw",
			Name:      "provider_attempt_seconds",
			Help:      "Duration of LLM provider attempts.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider"}),
	}
	if reg != nil {
		m.attempts = register(reg, m.attempts)
		m.duration = register(reg, m.duration)
	}
	return m
}

// register adds c to reg, returning the already registered collector when
// another client registered the same metric first.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observe(a Attempt) {
	m.attempts.WithLabelValues(a.Provider, string(a.Outcome)).Inc()
	m.duration.WithLabelValues(a.Provider).Observe(a.Duration.Seconds())
}
