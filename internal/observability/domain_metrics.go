package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	refinementAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsql_refinement_attempts",
			Help:    "Number of generate/execute attempts per refinement run.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
	refinementRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_refinement_runs_total",
			Help: "Total number of refinement runs by final status.",
		},
		[]string{"status", "reason"},
	)
	executionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_execution_errors_total",
			Help: "Total number of failed attempts by error kind.",
		},
		[]string{"kind"},
	)
	generationLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsql_generation_latency_ms",
			Help:    "Model round-trip latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"provider"},
	)
	generationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_generation_failures_total",
			Help: "Total number of generation failures by kind.",
		},
		[]string{"provider", "kind"},
	)
	executionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsql_execution_latency_ms",
			Help:    "Candidate execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 20000},
		},
	)
	schemaFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_schema_fetch_total",
			Help: "Total number of schema introspection calls by result.",
		},
		[]string{"result"},
	)
	schemaInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_schema_invalidations_total",
			Help: "Total number of schema cache invalidations by source.",
		},
		[]string{"source"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsql_sessions_active",
			Help: "Current number of live sessions.",
		},
	)
	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsql_sessions_expired_total",
			Help: "Total number of sessions removed by idle expiry.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		refinementAttempts,
		refinementRunsTotal,
		executionErrorsTotal,
		generationLatencyMs,
		generationFailuresTotal,
		executionLatencyMs,
		schemaFetchTotal,
		schemaInvalidationsTotal,
		sessionsActive,
		sessionsExpiredTotal,
	)
}

func ObserveRefinementRun(status, reason string, attempts int) {
	refinementRunsTotal.WithLabelValues(status, reason).Inc()
	refinementAttempts.Observe(float64(attempts))
}

func IncExecutionError(kind string) {
	executionErrorsTotal.WithLabelValues(kind).Inc()
}

func ObserveGenerationLatency(provider string, duration time.Duration) {
	generationLatencyMs.WithLabelValues(provider).Observe(float64(duration.Milliseconds()))
}

func IncGenerationFailure(provider, kind string) {
	generationFailuresTotal.WithLabelValues(provider, kind).Inc()
}

func ObserveExecutionLatency(duration time.Duration) {
	executionLatencyMs.Observe(float64(duration.Milliseconds()))
}

// ObserveSchemaFetch records "ok", "stale" or "error".
func ObserveSchemaFetch(result string) {
	schemaFetchTotal.WithLabelValues(result).Inc()
}

func IncSchemaInvalidation(source string) {
	schemaInvalidationsTotal.WithLabelValues(source).Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	sessionsActive.Set(float64(count))
}

func AddExpiredSessions(count int) {
	if count <= 0 {
		return
	}
	sessionsExpiredTotal.Add(float64(count))
}
