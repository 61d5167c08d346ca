package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instareply_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Webhook metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_webhooks_received_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"status"},
	)

	WebhookEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_webhook_events_processed_total",
			Help: "Total number of webhook sub-events processed",
		},
		[]string{"event_type", "status"},
	)

	// Trigger metrics
	TriggerMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_trigger_matches_total",
			Help: "Total number of inbound texts matched against trigger rules",
		},
		[]string{"kind", "outcome"},
	)

	// Outbound Graph API metrics
	GraphAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_graph_api_calls_total",
			Help: "Total number of Graph API send attempts",
		},
		[]string{"operation", "status"},
	)

	GraphAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instareply_graph_api_call_duration_seconds",
			Help:    "Duration of Graph API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Storage metrics
	EventsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_events_stored_total",
			Help: "Total number of event rows written",
		},
		[]string{"event_type", "status"},
	)

	OutboxEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instareply_outbox_entries_total",
			Help: "Total number of outbox rows reaching a terminal status",
		},
		[]string{"status"},
	)
)
