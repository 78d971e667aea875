package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{
	0.05, 0.1, 0.25, // decode + inference on a warm session
	0.5, 1, 2.5, // slow reference downloads
	5, 10, 15, // fetch timeout territory
}

// Metrics holds the verification collectors on a dedicated registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	verifications   *prometheus.CounterVec
	duration        prometheus.Histogram
	similarityScore prometheus.Histogram
	modelLoaded     prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return &Metrics{
		registry: registry,
		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claimverify_verifications_total",
				Help: "Verification requests by outcome",
			},
			[]string{"outcome"},
		),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimverify_verification_duration_seconds",
			Help:    "End to end verification latency",
			Buckets: durationBuckets,
		}),
		similarityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimverify_similarity_score",
			Help:    "Similarity scores of successful verifications",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		modelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "claimverify_model_loaded",
			Help: "1 when the ResNet-50 extractor is active, 0 in zero-embedding fallback",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(outcome string, seconds float64) {
	m.verifications.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}

func (m *Metrics) observeScore(score float64) {
	m.similarityScore.Observe(score)
}

func (m *Metrics) setModelLoaded(loaded bool) {
	if loaded {
		m.modelLoaded.Set(1)
		return
	}
	m.modelLoaded.Set(0)
}
