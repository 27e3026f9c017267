package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_sessions_created_total",
			Help: "Total number of agent sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastband_sessions_active",
			Help: "Number of active agent sessions",
		},
	)

	SessionTokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_session_tokens_total",
			Help: "Total tokens consumed across all sessions",
		},
	)

	// Budget metrics
	BudgetTokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_budget_tokens_consumed_total",
			Help: "Total tokens consumed against budgets",
		},
	)

	BudgetDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_budget_denials_total",
			Help: "Total number of budget consume requests denied",
		},
	)

	BudgetExpansions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_budget_expansions_total",
			Help: "Total number of budget tier expansions",
		},
		[]string{"tier"},
	)

	BudgetsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastband_budgets_active",
			Help: "Number of open session budgets",
		},
	)

	// Memory tier metrics
	MemoryTierItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fastband_memory_tier_items",
			Help: "Number of items held in each shared memory tier",
		},
		[]string{"tier"},
	)

	MemoryPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_memory_promotions_total",
			Help: "Total number of items promoted into shared memory on session close",
		},
	)

	MemoryEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_memory_evictions_total",
			Help: "Total number of items evicted from a memory tier",
		},
		[]string{"tier"},
	)

	// Handoff metrics
	HandoffsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_handoffs_created_total",
			Help: "Total number of handoff packets created",
		},
	)

	HandoffsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_handoffs_accepted_total",
			Help: "Total number of handoff packets accepted",
		},
	)

	HandoffsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_handoffs_rejected_total",
			Help: "Total number of handoff acceptance attempts rejected",
		},
		[]string{"reason"},
	)

	// Ticket metrics
	TicketOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_ticket_operations_total",
			Help: "Total number of ticket store operations",
		},
		[]string{"operation", "backend"},
	)

	TicketClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_ticket_claim_conflicts_total",
			Help: "Total number of ticket claims lost to another agent",
		},
	)

	// Tool registry metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fastband_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"tool"},
	)

	ToolsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastband_tools_active",
			Help: "Number of active tools in the registry",
		},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	// WebSocket hub metrics
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastband_hub_connections",
			Help: "Number of connected WebSocket clients",
		},
	)

	HubMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_hub_messages_sent_total",
			Help: "Total number of messages written to WebSocket clients",
		},
	)

	HubSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastband_hub_send_failures_total",
			Help: "Total number of WebSocket sends that failed and dropped the connection",
		},
	)

	// Webhook metrics
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"status"},
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fastband_webhook_delivery_duration_seconds",
			Help:    "Webhook HTTP delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics (codebase context, embeddings)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastband_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
)

// RecordToolExecution records one tool execution with its outcome and duration.
func RecordToolExecution(tool, status string, durationMs float64) {
	ToolExecutions.WithLabelValues(tool, status).Inc()
	if durationMs >= 0 {
		ToolExecutionDuration.WithLabelValues(tool).Observe(durationMs)
	}
}

// RecordWebhookDelivery records one delivery attempt outcome.
func RecordWebhookDelivery(status string, durationSeconds float64) {
	WebhookDeliveries.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		WebhookDeliveryDuration.Observe(durationSeconds)
	}
}

// RecordTicketOperation records one ticket store operation.
func RecordTicketOperation(operation, backend string) {
	TicketOperations.WithLabelValues(operation, backend).Inc()
}

// RecordSessionTokens increments the cross-session token counter.
func RecordSessionTokens(tokens int) {
	if tokens > 0 {
		SessionTokensTotal.Add(float64(tokens))
	}
}
