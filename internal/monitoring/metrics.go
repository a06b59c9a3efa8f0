package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the dispatch fabric. Naming follows the teacher's
// <component>_<noun>_total / _seconds convention, re-scoped from WebSocket
// connection/broadcast concerns to request/result/waiter/ledger concerns.
var (
	// Producer (C1)
	RequestsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_requests_published_total",
		Help: "Total requests published to the request topic, by request type",
	}, []string{"request_type"})

	RequestsPublishFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_requests_publish_failed_total",
		Help: "Total publish attempts that failed, by reason",
	}, []string{"reason"})

	PublishLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "velivolant_publish_latency_seconds",
		Help:    "Time to publish and receive a broker ack",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	ProducerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_producer_in_flight",
		Help: "Current number of in-flight publishes (rate-limiter occupancy)",
	})

	// Consumer (C2)
	ResultsConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_results_consumed_total",
		Help: "Total result records consumed from the result topic, by status",
	}, []string{"status"})

	PoisonRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velivolant_poison_records_total",
		Help: "Total result records quarantined (logged and skipped) due to decode failure",
	})

	ConsumerLagRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_consumer_lag_records",
		Help: "Approximate consumer lag in records, summed across assigned partitions",
	})

	ConsumerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_consumer_connected",
		Help: "Consumer group membership status (1=running, 0=stopped)",
	})

	// Router (C3)
	ResultsRoutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_results_routed_total",
		Help: "Total results routed to a subscriber, by subscriber and outcome",
	}, []string{"subscriber", "outcome"})

	// Dispatcher (C4)
	WaitersResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velivolant_waiters_resolved_total",
		Help: "Total SubmitAndWait callers resolved by a matching result",
	})

	WaitersExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velivolant_waiters_expired_total",
		Help: "Total SubmitAndWait callers that timed out waiting for a result",
	})

	WaitersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_waiters_active",
		Help: "Current number of registered waiters",
	})

	PendingEntriesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_pending_entries_active",
		Help: "Current number of tracked pending (fire-and-forget) requests",
	})

	// Ledger (C5)
	LedgerUpsertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_ledger_upserts_total",
		Help: "Total ledger upserts, by outcome",
	}, []string{"outcome"})

	LedgerUpsertLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "velivolant_ledger_upsert_latency_seconds",
		Help:    "Time to upsert a result row into Postgres",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// Hub (C6)
	WSConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	WSConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velivolant_ws_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	WSDisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_ws_disconnects_total",
		Help: "Total WebSocket disconnects, by reason",
	}, []string{"reason"})

	WSMessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velivolant_ws_messages_sent_total",
		Help: "Total WebSocket messages sent to clients",
	})

	WSMessagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velivolant_ws_messages_dropped_total",
		Help: "Total WebSocket messages dropped, by reason",
	}, []string{"reason"})

	WSAuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velivolant_ws_auth_failures_total",
		Help: "Total failed authenticate{} messages over WebSocket",
	})

	// Platform
	CPUContainerPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_cpu_container_percent",
		Help: "System-wide CPU usage percentage (0-100%)",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velivolant_memory_usage_bytes",
		Help: "Current process memory usage in bytes",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsPublishedTotal,
		RequestsPublishFailedTotal,
		PublishLatencySeconds,
		ProducerInFlight,

		ResultsConsumedTotal,
		PoisonRecordsTotal,
		ConsumerLagRecords,
		ConsumerConnected,

		ResultsRoutedTotal,

		WaitersResolvedTotal,
		WaitersExpiredTotal,
		WaitersActive,
		PendingEntriesActive,

		LedgerUpsertsTotal,
		LedgerUpsertLatencySeconds,

		WSConnectionsActive,
		WSConnectionsTotal,
		WSDisconnectsTotal,
		WSMessagesSentTotal,
		WSMessagesDroppedTotal,
		WSAuthFailuresTotal,

		CPUContainerPercent,
		MemoryUsageBytes,
	)
}

// Handler returns the promhttp handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
