package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts generations by outcome and streamed chunks.
type Metrics struct {
	Generations *prometheus.CounterVec
	Chunks      prometheus.Counter
	Duration    prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chattree",
			Name:      "generations_total",
			Help:      "Finished generations by outcome.",
		}, []string{"outcome"}),
		Chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chattree",
			Name:      "stream_chunks_total",
			Help:      "Chunks received from providers, including skipped ones.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chattree",
			Name:      "generation_duration_seconds",
			Help:      "Time from stream start to commit or discard.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Generations, m.Chunks, m.Duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(string(outcome)).Inc()
	if outcome != OutcomeRejected {
		m.Duration.Observe(seconds)
	}
}

func (m *Metrics) chunk() {
	if m == nil {
		return
	}
	m.Chunks.Inc()
}
