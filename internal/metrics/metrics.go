package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_webhooks_received_total",
			Help: "Total number of accepted inbound webhook deliveries.",
		},
		[]string{"webhook_id"},
	)

	WebhooksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_webhooks_rejected_total",
			Help: "Total number of rejected inbound webhook deliveries by reason.",
		},
		[]string{"reason"}, // unauthorized, too_large, malformed, no_destination
	)

	WebhooksDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_webhooks_deduped_total",
			Help: "Total number of duplicate deliveries absorbed by correlation keys.",
		},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_processed_total",
			Help: "Total number of processed events by outcome.",
		},
		[]string{"outcome"}, // completed, failed, retry_scheduled, exhausted
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_exhausted_total",
			Help: "Total number of events whose retry budget ran out.",
		},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_claim_conflicts_total",
			Help: "Total number of claim attempts lost to another worker.",
		},
	)

	HandlerLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_handler_latency_seconds",
			Help:    "Protocol handler execution latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_queue_backlog",
			Help: "Depth of the wake-up topic backlog as seen by the worker monitor.",
		},
	)
)

// MustRegister installs every collector on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		WebhooksRejectedTotal,
		WebhooksDedupedTotal,
		EventsProcessedTotal,
		RetriesTotal,
		ExhaustedTotal,
		ClaimConflictsTotal,
		HandlerLatencySeconds,
		QueueBacklog,
	)
}

func RecordWebhookReceived(webhookID string) {
	WebhooksReceivedTotal.WithLabelValues(webhookID).Inc()
}

func RecordWebhookRejected(reason string) {
	WebhooksRejectedTotal.WithLabelValues(reason).Inc()
}

func RecordWebhookDeduped() {
	WebhooksDedupedTotal.Inc()
}

func RecordOutcome(outcome string) {
	EventsProcessedTotal.WithLabelValues(outcome).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordExhausted() {
	ExhaustedTotal.Inc()
}

func RecordClaimConflict() {
	ClaimConflictsTotal.Inc()
}

func RecordHandlerLatency(protocolID string, d time.Duration) {
	HandlerLatencySeconds.WithLabelValues(protocolID).Observe(d.Seconds())
}

func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}
