package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_turns_total",
			Help: "Total number of chat turns by outcome (ok or error code).",
		},
		[]string{"outcome"},
	)
	modelCallLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_model_call_latency_ms",
			Help:    "Language model call latency in milliseconds by pipeline stage.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"stage", "status"},
	)
	queryDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_query_duration_ms",
			Help:    "Generated query execution time in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"status"},
	)
	schemaFetchDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_schema_fetch_duration_ms",
			Help:    "Schema description fetch time in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlchat_active_sessions",
			Help: "Current number of live chat sessions.",
		},
	)
	auditArchivedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_audit_archived_entries_total",
			Help: "Total number of audit entries written to object storage.",
		},
	)
	auditFlushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_audit_flush_failures_total",
			Help: "Total number of failed audit archive flushes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		chatTurnsTotal,
		modelCallLatencyMs,
		queryDurationMs,
		schemaFetchDurationMs,
		activeSessions,
		auditArchivedEntriesTotal,
		auditFlushFailuresTotal,
	)
}

func ObserveTurn(outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	chatTurnsTotal.WithLabelValues(outcome).Inc()
}

func ObserveModelCall(stage string, elapsed time.Duration, err error) {
	modelCallLatencyMs.WithLabelValues(stage, statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func ObserveQuery(elapsed time.Duration, err error) {
	queryDurationMs.WithLabelValues(statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func ObserveSchemaFetch(elapsed time.Duration) {
	schemaFetchDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func ObserveAuditFlush(entries int, err error) {
	if err != nil {
		auditFlushFailuresTotal.Inc()
		return
	}
	if entries > 0 {
		auditArchivedEntriesTotal.Add(float64(entries))
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
