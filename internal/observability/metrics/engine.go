package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics observes the index store, the synthesizer and the LLM
// circuit breakers.
type EngineMetrics struct {
	service string

	retrievedChunks prometheus.Histogram
	fallbackTotal   *prometheus.CounterVec
	streamDeltas    prometheus.Counter
	indexChunks     prometheus.Gauge
	commitDuration  *prometheus.HistogramVec
	commitTotal     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func NewEngineMetrics(service string, registerer prometheus.Registerer) *EngineMetrics {
	labels := prometheus.Labels{"service": service}
	m := &EngineMetrics{
		service: service,
		retrievedChunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "docsearch",
			Subsystem:   "rag",
			Name:        "retrieved_chunks",
			Help:        "Distribution of retrieved chunks per synthesis.",
			Buckets:     []float64{0, 1, 2, 3, 4, 5, 6, 8},
			ConstLabels: labels,
		}),
		fallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docsearch",
			Subsystem:   "llm",
			Name:        "fallback_total",
			Help:        "Answers served from retrieved context because the LLM failed.",
			ConstLabels: labels,
		}, []string{"reason"}),
		streamDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "docsearch",
			Subsystem:   "llm",
			Name:        "stream_deltas_total",
			Help:        "Text deltas emitted to streaming clients.",
			ConstLabels: labels,
		}),
		indexChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "docsearch",
			Subsystem:   "index",
			Name:        "chunks",
			Help:        "Chunks in the committed index generation.",
			ConstLabels: labels,
		}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "docsearch",
			Subsystem:   "index",
			Name:        "commit_duration_seconds",
			Help:        "Index commit duration by operation.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"op"}),
		commitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docsearch",
			Subsystem:   "index",
			Name:        "commits_total",
			Help:        "Index commits by operation and status.",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "docsearch",
			Subsystem:   "resilience",
			Name:        "breaker_open",
			Help:        "1 while the circuit breaker for an operation is open.",
			ConstLabels: labels,
		}, []string{"operation"}),
	}
	registerer.MustRegister(
		m.retrievedChunks,
		m.fallbackTotal,
		m.streamDeltas,
		m.indexChunks,
		m.commitDuration,
		m.commitTotal,
		m.breakerState,
	)
	return m
}

func (m *EngineMetrics) ObserveRetrieval(chunks int) {
	m.retrievedChunks.Observe(float64(chunks))
}

func (m *EngineMetrics) ObserveFallback(reason string) {
	m.fallbackTotal.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) ObserveStreamDelta() {
	m.streamDeltas.Inc()
}

// ObserveCommit updates the chunk gauge only for commits that landed.
func (m *EngineMetrics) ObserveCommit(op string, chunks int, took time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commitTotal.WithLabelValues(op, status).Inc()
	m.commitDuration.WithLabelValues(op).Observe(took.Seconds())
	if err == nil {
		m.indexChunks.Set(float64(chunks))
	}
}

// ObserveBreaker matches resilience.Config.OnStateChange.
func (m *EngineMetrics) ObserveBreaker(operation, _, to string) {
	v := 0.0
	if to == "open" {
		v = 1
	}
	m.breakerState.WithLabelValues(operation).Set(v)
}
