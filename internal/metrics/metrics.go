// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faultline"

var (
	// analysesTotal counts finished analyses.
	// Labels: status (PASS, HITL, REJECT, ABORT), category
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "total",
		Help:      "Finished analyses by terminal status and error category",
	}, []string{"status", "category"})

	analysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of the analysis loop",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
	}, []string{"status"})

	// cacheLookups counts analysis cache lookups.
	// Labels: result (hit, miss)
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Analysis cache lookups by result",
	}, []string{"result"})

	// retrievalSourceErrors counts per-source retrieval failures that put retrieval in degraded mode.
	retrievalSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "source_errors_total",
		Help:      "Retrieval source failures by source",
	}, []string{"source"})

	rerankFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "rerank_fallbacks_total",
		Help:      "Cross-encoder failures answered by the lexical reranker",
	})

	// toolLatency measures tool calls made by the ReAct loop.
	// Labels: tool, status (ok, empty, error)
	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "react",
		Name:      "tool_latency_seconds",
		Help:      "Tool call latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"tool", "status"})

	hitlQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hitl",
		Name:      "queue_depth",
		Help:      "Pending HITL items seen by the last queue listing",
	})

	agingEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aging",
		Name:      "enqueued_total",
		Help:      "Failures enqueued for analysis by the aging sweep",
	})
)

func RecordAnalysis(status, category string, d time.Duration) {
	analysesTotal.WithLabelValues(status, category).Inc()
	analysisDuration.WithLabelValues(status).Observe(d.Seconds())
}

func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

func RecordSourceError(source string) {
	retrievalSourceErrors.WithLabelValues(source).Inc()
}

func RecordRerankFallback() {
	rerankFallbacks.Inc()
}

// RecordTool records one tool call. status is "ok", "empty" or "error".
func RecordTool(tool, status string, d time.Duration) {
	toolLatency.WithLabelValues(tool, status).Observe(d.Seconds())
}

func SetHITLQueueDepth(n int) {
	hitlQueueDepth.Set(float64(n))
}

func RecordAgingEnqueued(n int) {
	agingEnqueued.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
