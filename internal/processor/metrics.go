package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records how much work the processor does. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	samples  *prometheus.CounterVec
	chunks   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_samples_total",
				Help:      "Samples visited by the chunked processor",
			},
			[]string{"kind"},
		),
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_chunks_total",
				Help:      "Chunks completed by the chunked processor",
			},
			[]string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processor_run_duration_seconds",
				Help:      "Wall time of a full processor run",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"kind"},
		),
	}
}

// Register registers the collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.samples, m.chunks, m.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeChunk(kind string, samples int) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(kind).Add(float64(samples))
	m.chunks.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRun(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}
