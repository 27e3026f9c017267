package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/circuitbreaker"
	"github.com/fastband-ai/fastband/internal/hub"
	"github.com/fastband-ai/fastband/internal/tickets"
	"github.com/fastband-ai/fastband/internal/webhooks"
)

// RedisHealthChecker checks Redis connectivity. Redis backs the shared
// context cache and the embedding cache, both optional, so it is
// non-critical: losing it degrades cache hit rates, not correctness.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client redis.UniversalClient, wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:  client,
		wrapper: wrapper,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "redis",
		Critical:  false,
		Timestamp: startTime,
	}

	// Check circuit breaker state
	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	// Try to ping Redis
	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	// Check if degraded (high latency)
	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}

	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"circuit_breaker_open": false,
	}

	return result
}

// TicketStoreHealthChecker probes the ticket backend. The probe is a
// Count over the whole store, cheap on both the document and the SQL
// backend, and enough to catch a broken file or a dropped connection.
type TicketStoreHealthChecker struct {
	store   tickets.Store
	backend string
	logger  *zap.Logger
	timeout time.Duration
}

// NewTicketStoreHealthChecker creates a ticket store health checker.
func NewTicketStoreHealthChecker(store tickets.Store, backend string, logger *zap.Logger) *TicketStoreHealthChecker {
	return &TicketStoreHealthChecker{
		store:   store,
		backend: backend,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (t *TicketStoreHealthChecker) Name() string           { return "ticket_store" }
func (t *TicketStoreHealthChecker) IsCritical() bool       { return true }
func (t *TicketStoreHealthChecker) Timeout() time.Duration { return t.timeout }

func (t *TicketStoreHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "ticket_store",
		Critical:  true,
		Timestamp: startTime,
	}

	done := make(chan int, 1)
	go func() { done <- t.store.Count("", "") }()

	var total int
	select {
	case <-ctx.Done():
		result.Duration = time.Since(startTime)
		result.Status = StatusUnhealthy
		result.Error = ctx.Err().Error()
		result.Message = "Ticket store probe timed out"
		return result
	case total = <-done:
	}
	result.Duration = time.Since(startTime)

	if result.Duration > 250*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Ticket store responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Ticket store healthy"
	}

	result.Details = map[string]interface{}{
		"backend":    t.backend,
		"tickets":    total,
		"latency_ms": result.Duration.Milliseconds(),
	}

	return result
}

// WebhookDispatcherHealthChecker watches the delivery queue. A saturated
// queue means new deliveries burn retry attempts on backpressure alone,
// so full is unhealthy and near-full is degraded.
type WebhookDispatcherHealthChecker struct {
	dispatcher *webhooks.Dispatcher
	logger     *zap.Logger
	timeout    time.Duration
}

// NewWebhookDispatcherHealthChecker creates a dispatcher health checker.
func NewWebhookDispatcherHealthChecker(dispatcher *webhooks.Dispatcher, logger *zap.Logger) *WebhookDispatcherHealthChecker {
	return &WebhookDispatcherHealthChecker{
		dispatcher: dispatcher,
		logger:     logger,
		timeout:    time.Second,
	}
}

func (w *WebhookDispatcherHealthChecker) Name() string           { return "webhook_dispatcher" }
func (w *WebhookDispatcherHealthChecker) IsCritical() bool       { return false }
func (w *WebhookDispatcherHealthChecker) Timeout() time.Duration { return w.timeout }

func (w *WebhookDispatcherHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "webhook_dispatcher",
		Critical:  false,
		Timestamp: startTime,
	}

	depth, capacity := w.dispatcher.QueueDepth()
	result.Duration = time.Since(startTime)

	switch {
	case capacity > 0 && depth >= capacity:
		result.Status = StatusUnhealthy
		result.Message = "Webhook delivery queue full, new deliveries are deferred"
	case capacity > 0 && depth*10 >= capacity*8:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Webhook delivery queue %d/%d", depth, capacity)
	default:
		result.Status = StatusHealthy
		result.Message = "Webhook dispatcher healthy"
	}

	result.Details = map[string]interface{}{
		"queue_depth":    depth,
		"queue_capacity": capacity,
	}

	return result
}

// HubHealthChecker watches the WebSocket pool. At capacity the hub
// refuses new connections, which readiness should reflect.
type HubHealthChecker struct {
	hub     *hub.Hub
	logger  *zap.Logger
	timeout time.Duration
}

// NewHubHealthChecker creates a hub health checker.
func NewHubHealthChecker(h *hub.Hub, logger *zap.Logger) *HubHealthChecker {
	return &HubHealthChecker{
		hub:     h,
		logger:  logger,
		timeout: time.Second,
	}
}

func (h *HubHealthChecker) Name() string           { return "hub" }
func (h *HubHealthChecker) IsCritical() bool       { return false }
func (h *HubHealthChecker) Timeout() time.Duration { return h.timeout }

func (h *HubHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "hub",
		Critical:  false,
		Timestamp: startTime,
	}

	stats := h.hub.GetStats()
	result.Duration = time.Since(startTime)

	if stats.MaxConnections > 0 && stats.Connections >= stats.MaxConnections {
		result.Status = StatusDegraded
		result.Message = "Connection pool at capacity, new clients are refused"
	} else {
		result.Status = StatusHealthy
		result.Message = "Hub healthy"
	}

	result.Details = map[string]interface{}{
		"connections":     stats.Connections,
		"max_connections": stats.MaxConnections,
		"unique_ips":      stats.UniqueClientIPs,
	}

	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
