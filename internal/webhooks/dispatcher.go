package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fastband-ai/fastband/internal/circuitbreaker"
	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/metrics"
	"github.com/fastband-ai/fastband/internal/tracing"
)

// Dispatcher defaults.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 2
	DefaultWorkers       = 4
	DefaultQueueSize     = 256
	DefaultBackoffBase   = time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 60 * time.Second
	DefaultRatePerSec    = 10
	recentRingSize       = 256
)

// Config tunes the dispatcher. Zero values select the defaults.
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	Workers       int
	QueueSize     int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
	RatePerSec    float64

	// PendingPath persists in-flight retry records across restarts; empty
	// disables resume.
	PendingPath string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
}

// job is one delivery attempt ready for a worker.
type job struct {
	delivery *Delivery
	sub      *Subscription
}

// Dispatcher POSTs events to matching subscriptions with signing,
// per-subscription pacing, exponential backoff with jitter, and
// at-least-once semantics. Delivery ordering is not guaranteed.
type Dispatcher struct {
	store  *Store
	cfg    Config
	client *circuitbreaker.HTTPWrapper
	logger *zap.Logger

	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	mu         sync.Mutex
	deliveries map[string]*Delivery
	recent     []string
	timers     map[string]*time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher builds a dispatcher over the subscription store. The HTTP
// client is circuit-breaker wrapped so a dead endpoint stops consuming
// workers.
func NewDispatcher(store *Store, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Dispatcher{
		store:      store,
		cfg:        cfg,
		client:     circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "webhooks", "dispatcher", logger),
		logger:     logger,
		queue:      make(chan *job, cfg.QueueSize),
		ctx:        gctx,
		cancel:     cancel,
		group:      group,
		limiters:   make(map[string]*rate.Limiter),
		deliveries: make(map[string]*Delivery),
		timers:     make(map[string]*time.Timer),
	}
}

// Start launches the worker pool and resumes any persisted pending
// retries.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.group.Go(d.worker)
		}
		d.resumePending()
	})
}

// Stop finishes in-flight deliveries, cancels scheduled retries, persists
// them for the next start, and waits for the workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		for id, t := range d.timers {
			t.Stop()
			delete(d.timers, id)
		}
		d.mu.Unlock()

		d.cancel()
		_ = d.group.Wait()
		d.persistPending()
	})
}

// QueueDepth reports how many deliveries are waiting for a worker and
// the queue capacity.
func (d *Dispatcher) QueueDepth() (depth, capacity int) {
	return len(d.queue), cap(d.queue)
}

// Deliver fans the event out to every matching active subscription,
// returning the created delivery ids. It never blocks on HTTP.
func (d *Dispatcher) Deliver(event events.Type, payload map[string]any) []string {
	subs := d.store.Matching(event)
	if len(subs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		delivery := &Delivery{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			Event:          string(event),
			Payload:        payload,
			Attempt:        1,
			MaxAttempts:    d.cfg.MaxRetries + 1,
			Status:         StatusPending,
			CreatedAt:      time.Now().UTC(),
		}
		d.track(delivery)
		ids = append(ids, delivery.ID)
		d.enqueue(&job{delivery: delivery, sub: sub})
	}
	return ids
}

// Enqueue adapts the dispatcher to the event bus sink contract.
func (d *Dispatcher) Enqueue(evt events.Event) {
	d.Deliver(evt.Type, evt.Payload)
}

func (d *Dispatcher) enqueue(j *job) {
	select {
	case d.queue <- j:
	case <-d.ctx.Done():
	default:
		// Queue full: burn the attempt and back off instead of blocking the
		// publisher. The delivery only goes terminal once attempts run out,
		// so local backpressure never masquerades as an endpoint failure.
		metrics.RecordWebhookDelivery("queue_full", 0)
		d.logger.Warn("Webhook queue full, delivery deferred",
			zap.String("delivery_id", j.delivery.ID))
		d.scheduleOrFail(j, "dispatch queue full")
	}
}

func (d *Dispatcher) worker() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case j := <-d.queue:
			d.attempt(j)
		}
	}
}

// attempt runs one HTTP POST for the job and routes the outcome: 2xx
// completes the delivery, anything else retries with backoff until the
// attempt budget runs out.
func (d *Dispatcher) attempt(j *job) {
	if err := d.limiter(j.sub.ID).Wait(d.ctx); err != nil {
		d.scheduleOrFail(j, "dispatcher stopped")
		return
	}

	body, err := json.Marshal(map[string]any{
		"event":       j.delivery.Event,
		"delivery_id": j.delivery.ID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"data":        j.delivery.Payload,
	})
	if err != nil {
		d.finish(j, false, 0, fmt.Sprintf("marshal payload: %v", err))
		return
	}

	ctx, span := tracing.StartHTTPSpan(d.ctx, http.MethodPost, j.sub.URL)
	defer span.End()
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, j.sub.URL, bytes.NewReader(body))
	if err != nil {
		d.finish(j, false, 0, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(j.sub.Secret, body))
	req.Header.Set(HeaderEvent, j.delivery.Event)
	req.Header.Set(HeaderDelivery, j.delivery.ID)
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordWebhookDelivery("transport_error", elapsed.Seconds())
		d.scheduleOrFail(j, fmt.Sprintf("attempt %d: %v", j.delivery.Attempt, err))
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.mu.Lock()
		j.delivery.ResponseStatus = resp.StatusCode
		j.delivery.ResponseBody = string(respBody)
		d.mu.Unlock()
		metrics.RecordWebhookDelivery("delivered", elapsed.Seconds())
		d.finish(j, true, resp.StatusCode, "")
		return
	}

	d.mu.Lock()
	j.delivery.ResponseStatus = resp.StatusCode
	j.delivery.ResponseBody = string(respBody)
	d.mu.Unlock()
	metrics.RecordWebhookDelivery("http_error", elapsed.Seconds())
	d.scheduleOrFail(j, fmt.Sprintf("attempt %d: HTTP %d", j.delivery.Attempt, resp.StatusCode))
}

// scheduleOrFail records the failure and either schedules the next attempt
// or marks the delivery terminally failed once attempts are exhausted.
func (d *Dispatcher) scheduleOrFail(j *job, errMsg string) {
	d.mu.Lock()
	j.delivery.Errors = append(j.delivery.Errors, errMsg)
	if j.delivery.Attempt >= j.delivery.MaxAttempts {
		d.mu.Unlock()
		d.finish(j, false, j.delivery.ResponseStatus, errMsg)
		return
	}
	delay := d.backoff(j.delivery.Attempt)
	next := time.Now().UTC().Add(delay)
	j.delivery.Status = StatusRetrying
	j.delivery.NextRetryAt = &next
	j.delivery.Attempt++

	timer := time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, j.delivery.ID)
		d.mu.Unlock()
		d.enqueue(j)
	})
	d.timers[j.delivery.ID] = timer
	d.mu.Unlock()

	metrics.RecordWebhookDelivery("retry_scheduled", 0)
	d.logger.Warn("Webhook delivery failed, retry scheduled",
		zap.String("delivery_id", j.delivery.ID),
		zap.String("subscription_id", j.sub.ID),
		zap.Int("next_attempt", j.delivery.Attempt),
		zap.Duration("delay", delay),
		zap.String("error", errMsg),
	)
}

// finish marks a terminal outcome and updates the subscription counters.
func (d *Dispatcher) finish(j *job, success bool, status int, errMsg string) {
	now := time.Now().UTC()
	d.mu.Lock()
	if success {
		j.delivery.Status = StatusDelivered
	} else {
		j.delivery.Status = StatusFailed
		metrics.RecordWebhookDelivery("failed", 0)
	}
	j.delivery.NextRetryAt = nil
	j.delivery.CompletedAt = &now
	d.mu.Unlock()

	d.store.RecordDelivery(j.sub.ID, success, errMsg)
	if success {
		d.logger.Info("Webhook delivered",
			zap.String("delivery_id", j.delivery.ID),
			zap.String("subscription_id", j.sub.ID),
			zap.Int("attempt", j.delivery.Attempt),
			zap.Int("status", status),
		)
	} else {
		d.logger.Warn("Webhook delivery failed terminally",
			zap.String("delivery_id", j.delivery.ID),
			zap.String("subscription_id", j.sub.ID),
			zap.Int("attempts", j.delivery.Attempt),
			zap.String("error", errMsg),
		)
	}
}

// backoff computes the delay before the next attempt: exponential,
// capped, with equal jitter so retries spread out but never collapse to
// near-zero.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		delay *= d.cfg.BackoffFactor
	}
	if delay > float64(d.cfg.BackoffCap) {
		delay = float64(d.cfg.BackoffCap)
	}
	half := delay / 2
	return time.Duration(half + rand.Float64()*half)
}

func (d *Dispatcher) limiter(subID string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[subID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), int(d.cfg.RatePerSec))
		d.limiters[subID] = l
	}
	return l
}

// track registers the delivery in the lookup map and the recent ring.
func (d *Dispatcher) track(delivery *Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries[delivery.ID] = delivery
	d.recent = append(d.recent, delivery.ID)
	if len(d.recent) > recentRingSize {
		evicted := d.recent[0]
		d.recent = d.recent[1:]
		if old, ok := d.deliveries[evicted]; ok && old.Terminal() {
			delete(d.deliveries, evicted)
		}
	}
}

// GetDelivery returns a copy of the delivery record.
func (d *Dispatcher) GetDelivery(id string) (*Delivery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delivery, ok := d.deliveries[id]
	if !ok {
		return nil, false
	}
	copied := *delivery
	return &copied, true
}

// RecentDeliveries returns copies of the most recent delivery records,
// newest last.
func (d *Dispatcher) RecentDeliveries(limit int) []*Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.recent
	if limit > 0 && limit < len(ids) {
		ids = ids[len(ids)-limit:]
	}
	out := make([]*Delivery, 0, len(ids))
	for _, id := range ids {
		if delivery, ok := d.deliveries[id]; ok {
			copied := *delivery
			out = append(out, &copied)
		}
	}
	return out
}

// persistPending writes non-terminal deliveries to the pending file so a
// restart can resume them.
func (d *Dispatcher) persistPending() {
	if d.cfg.PendingPath == "" {
		return
	}
	d.mu.Lock()
	var pending []*Delivery
	for _, delivery := range d.deliveries {
		if !delivery.Terminal() {
			copied := *delivery
			pending = append(pending, &copied)
		}
	}
	d.mu.Unlock()

	if len(pending) == 0 {
		_ = os.Remove(d.cfg.PendingPath)
		return
	}
	raw, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		d.logger.Error("Failed to marshal pending deliveries", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.PendingPath), 0o755); err != nil {
		d.logger.Error("Failed to create pending dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(d.cfg.PendingPath, raw, 0o644); err != nil {
		d.logger.Error("Failed to persist pending deliveries", zap.Error(err))
		return
	}
	d.logger.Info("Pending webhook deliveries persisted", zap.Int("count", len(pending)))
}

// resumePending reloads persisted retry records and requeues them.
// Deliveries whose subscription vanished are dropped.
func (d *Dispatcher) resumePending() {
	if d.cfg.PendingPath == "" {
		return
	}
	raw, err := os.ReadFile(d.cfg.PendingPath)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		d.logger.Warn("Failed to read pending deliveries", zap.Error(err))
		return
	}
	var pending []*Delivery
	if err := json.Unmarshal(raw, &pending); err != nil {
		d.logger.Warn("Unparseable pending deliveries file", zap.Error(err))
		return
	}
	_ = os.Remove(d.cfg.PendingPath)

	resumed := 0
	for _, delivery := range pending {
		sub, ok := d.store.Get(delivery.SubscriptionID)
		if !ok || !sub.Active {
			continue
		}
		delivery.Status = StatusPending
		d.track(delivery)
		d.enqueue(&job{delivery: delivery, sub: sub})
		resumed++
	}
	if resumed > 0 {
		d.logger.Info("Resumed pending webhook deliveries", zap.Int("count", resumed))
	}
}
