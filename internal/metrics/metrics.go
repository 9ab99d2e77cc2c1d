// Package metrics holds the Prometheus collectors exported by kbase.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every kbase collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	Documents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kbase_documents",
		Help: "Number of documents in the knowledge base",
	})
	Chunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kbase_chunks",
		Help: "Number of chunks across all documents",
	})
	IndexEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kbase_index_entries",
		Help: "Number of vectors in the nearest-neighbour index",
	})
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbase_operations_total",
			Help: "Knowledge base operations by kind and result",
		},
		[]string{"operation", "result"},
	)
	EmbeddingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbase_embeddings_total",
			Help: "Embeddings produced, split by whether the fallback vector was used",
		},
		[]string{"degraded"},
	)
	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kbase_search_duration_seconds",
			Help:    "Search latency including query embedding",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)
	IndexLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbase_index_loads_total",
			Help: "Index loads at startup by result (ok, fresh, corrupt)",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		Documents, Chunks, IndexEntries,
		OperationsTotal, EmbeddingsTotal, SearchDuration, IndexLoadsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Observe records the outcome of an operation.
func Observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
