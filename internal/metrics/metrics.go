package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailwatch",
			Name:      "jobs_total",
			Help:      "Ingestion jobs processed by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	documentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailwatch",
			Name:      "documents_ingested_total",
			Help:      "PDF documents forwarded to the ingestion sink.",
		},
		[]string{"provider"},
	)

	webhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailwatch",
			Name:      "webhook_notifications_total",
			Help:      "Inbound push notifications by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	watchOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailwatch",
			Name:      "watch_operations_total",
			Help:      "Provider-level watch registrations and teardowns.",
		},
		[]string{"provider", "op"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailwatch",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the in-memory work queue.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(jobsProcessed, documentsIngested, webhookNotifications, watchOperations, queueDepth)
	})
}

// IncJob increments the job counter for a provider/outcome pair.
func IncJob(provider, outcome string) {
	jobsProcessed.WithLabelValues(provider, outcome).Inc()
}

// AddDocuments adds to the ingested-document counter.
func AddDocuments(provider string, n int) {
	documentsIngested.WithLabelValues(provider).Add(float64(n))
}

// IncWebhook increments the inbound notification counter.
func IncWebhook(provider, outcome string) {
	webhookNotifications.WithLabelValues(provider, outcome).Inc()
}

// IncWatchOp increments the watch operation counter.
func IncWatchOp(provider, op string) {
	watchOperations.WithLabelValues(provider, op).Inc()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
