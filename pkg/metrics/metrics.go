// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// ConversationsCreated tracks conversations opened per channel.
	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_conversations_created_total",
			Help: "Conversations opened, by source channel",
		},
		[]string{"channel"},
	)

	// ConversationsClosed tracks closures per disposition code.
	ConversationsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_conversations_closed_total",
			Help: "Conversations closed, by disposition",
		},
		[]string{"disposition"},
	)

	// MessagesIngested tracks appended messages per sender type.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_messages_ingested_total",
			Help: "Messages appended to conversations, by sender type",
		},
		[]string{"sender", "internal"},
	)

	// WebhookEvents tracks inbound channel events by outcome.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_webhook_events_total",
			Help: "Inbound WhatsApp events processed, by outcome",
		},
		[]string{"outcome"},
	)

	// OutboundDeliveries tracks channel deliveries by kind and outcome.
	OutboundDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_outbound_deliveries_total",
			Help: "Outbound channel deliveries, by media kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ConcurrentModifications tracks transitions rejected after losing a race.
	ConcurrentModifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_concurrent_modifications_total",
			Help: "Conversation transitions rejected because another writer changed the state",
		},
		[]string{"operation"},
	)

	// IndexFallbacks tracks queries served by the degraded scan path.
	IndexFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_index_fallbacks_total",
			Help: "Queries that fell back to a full scan because an index was unavailable",
		},
		[]string{"query"},
	)

	// SubscriptionsActive tracks live subscriptions per kind.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_subscriptions_active",
			Help: "Number of active live subscriptions",
		},
		[]string{"kind"},
	)

	// AIRequestDuration tracks assistant calls.
	AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_ai_request_duration_seconds",
			Help:    "AI assistant request duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "task", "status"},
	)

	// AITokensTotal tracks tokens processed by the AI provider.
	AITokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_ai_tokens_total",
			Help: "Total AI tokens processed",
		},
		[]string{"model", "direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordAI records metrics for one assistant call.
func RecordAI(provider, task, status, model string, duration float64, tokensIn, tokensOut int) {
	AIRequestDuration.WithLabelValues(provider, task, status).Observe(duration)
	if model == "" {
		return
	}
	AITokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	AITokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// SubscriptionOpened increments the active subscription gauge.
func SubscriptionOpened(kind string) {
	SubscriptionsActive.WithLabelValues(kind).Inc()
}

// SubscriptionClosed decrements the active subscription gauge.
func SubscriptionClosed(kind string) {
	SubscriptionsActive.WithLabelValues(kind).Dec()
}
