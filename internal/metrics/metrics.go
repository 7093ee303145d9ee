package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rollupDays = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qhist", Subsystem: "rollup", Name: "days_total", Help: "Daily summaries by outcome"},
		[]string{"machine", "outcome"},
	)
	rollupRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qhist", Subsystem: "rollup", Name: "rows_inserted_total", Help: "Summary rows written"},
		[]string{"machine"},
	)
	syncJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qhist", Subsystem: "sync", Name: "jobs_total", Help: "Fetched job records by outcome"},
		[]string{"machine", "outcome"},
	)
	syncDays = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qhist", Subsystem: "sync", Name: "days_total", Help: "Sync days by outcome"},
		[]string{"machine", "outcome"},
	)
	webhookFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "qhist", Subsystem: "webhook", Name: "failures_total", Help: "Webhook send failures"},
	)
	webhookLatency = prometheus.NewSummary(
		prometheus.SummaryOpts{Namespace: "qhist", Subsystem: "webhook", Name: "latency_seconds", Help: "Webhook latency"},
	)
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qhist", Subsystem: "webhook", Name: "events_total", Help: "Webhook outcomes by event"},
		[]string{"event", "outcome"},
	)
	dbLatency = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{Namespace: "qhist", Subsystem: "db", Name: "latency_seconds", Help: "DB operation latency"},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(rollupDays, rollupRows, syncJobs, syncDays, webhookFailures, webhookLatency, webhookEvents, dbLatency)
}

func IncRollupDay(machine, outcome string)  { rollupDays.WithLabelValues(machine, outcome).Inc() }
func AddRollupRows(machine string, n int64) { rollupRows.WithLabelValues(machine).Add(float64(n)) }
func AddSyncJobs(machine, outcome string, n int) {
	syncJobs.WithLabelValues(machine, outcome).Add(float64(n))
}
func IncSyncDay(machine, outcome string)    { syncDays.WithLabelValues(machine, outcome).Inc() }
func IncWebhookFailure()                    { webhookFailures.Inc() }
func ObserveWebhookLatency(d time.Duration) { webhookLatency.Observe(d.Seconds()) }
func IncWebhookEvent(event, outcome string) { webhookEvents.WithLabelValues(event, outcome).Inc() }
func ObserveDB(op string, d time.Duration)  { dbLatency.WithLabelValues(op).Observe(d.Seconds()) }
