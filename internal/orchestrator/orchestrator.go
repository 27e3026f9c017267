// Package orchestrator is the composition root: it builds every subsystem
// from the loaded configuration, wires the event bus fan-out, and owns
// startup and shutdown order. It keeps no state of its own.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fastband-ai/fastband/internal/auth"
	"github.com/fastband-ai/fastband/internal/budget"
	"github.com/fastband-ai/fastband/internal/circuitbreaker"
	"github.com/fastband-ai/fastband/internal/codectx"
	"github.com/fastband-ai/fastband/internal/config"
	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/handoff"
	"github.com/fastband-ai/fastband/internal/health"
	"github.com/fastband-ai/fastband/internal/httpapi"
	"github.com/fastband-ai/fastband/internal/hub"
	"github.com/fastband-ai/fastband/internal/knowledge"
	"github.com/fastband-ai/fastband/internal/memory"
	"github.com/fastband-ai/fastband/internal/providers"
	"github.com/fastband-ai/fastband/internal/session"
	"github.com/fastband-ai/fastband/internal/tickets"
	"github.com/fastband-ai/fastband/internal/tools"
	"github.com/fastband-ai/fastband/internal/webhooks"
)

// Deps are the external collaborators the core cannot construct itself.
// All fields are optional; absent ones disable the feature they power.
type Deps struct {
	// Analyzer backs the codebase context facade.
	Analyzer codectx.Analyzer
	// Embedder powers semantic memory retrieval.
	Embedder providers.EmbeddingProvider
	// HandoffEncryptionKey, when 32 bytes, encrypts packets at rest.
	HandoffEncryptionKey []byte
}

// Orchestrator holds the wired subsystems. Construct with New, then Start;
// Shutdown releases everything in reverse dependency order.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	budgets   *budget.Manager
	memories  *memory.Manager
	knowledge *knowledge.Manager
	handoffs  *handoff.Manager
	tickets   tickets.Store
	tools     *tools.Registry
	bus       *events.Bus
	hub       *hub.Hub
	hubSink   *hub.BusSink
	sessions  *session.Manager

	webhookStore *webhooks.Store
	dispatcher   *webhooks.Dispatcher

	codectx *codectx.Facade
	ctxL2   *codectx.RedisCache

	redis        *redis.Client
	redisWrapper *circuitbreaker.RedisWrapper

	health *health.Manager
	jwt    *auth.JWTManager
	mw     *auth.Middleware
	api    *httpapi.Server
}

// New wires the subsystems. Construction fails only on unusable
// configuration or storage; optional collaborators degrade instead.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{cfg: cfg, logger: logger}

	o.budgets = budget.NewManagerWithOptions(logger, budget.Options{
		DefaultAllocation: cfg.Budget.DefaultTokens,
	})
	o.memories = memory.NewManager(logger, memory.Options{
		MaxCoolItems:  cfg.Memory.CoolMaxItems,
		MaxCoolTokens: cfg.Memory.CoolMaxTokens,
	})

	var err error
	o.knowledge, err = knowledge.NewManager(cfg.DataDir, deps.Embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("knowledge manager: %w", err)
	}

	o.handoffs, err = handoff.NewManager(cfg.HandoffDir(), logger, handoff.Options{
		EncryptionKey: deps.HandoffEncryptionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("handoff manager: %w", err)
	}

	o.tickets, err = openTicketStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}

	o.tools = tools.NewRegistry(0, logger)
	o.bus = events.NewBus(logger)

	o.hub = hub.New(logger, hub.Options{
		MaxConnections: cfg.Hub.MaxConnections,
		MaxPerIP:       cfg.Hub.MaxPerIP,
	})
	o.hubSink = hub.NewBusSink(o.hub, 0, logger)
	o.bus.AddSink(o.hubSink)

	o.webhookStore, err = webhooks.NewStore(cfg.WebhookStorePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("webhook store: %w", err)
	}
	o.dispatcher = webhooks.NewDispatcher(o.webhookStore, webhooks.Config{
		Timeout:     cfg.Webhooks.Timeout,
		MaxRetries:  cfg.Webhooks.MaxRetries,
		Workers:     cfg.Webhooks.Workers,
		RatePerSec:  cfg.Webhooks.RatePerSec,
		PendingPath: cfg.WebhookPendingPath(),
	}, logger)
	o.bus.AddSink(o.dispatcher)

	if cfg.Redis.Enabled {
		o.connectRedis(cfg.Redis.Addr)
	}

	if deps.Analyzer != nil {
		o.codectx = codectx.New(deps.Analyzer, o.contextL2(), codectx.Config{}, logger)
	}

	o.sessions = session.NewManager(o.budgets, o.memories, o.knowledge, o.bus, logger)

	if cfg.Auth.Enabled {
		o.jwt = auth.NewJWTManager(cfg.Auth.Secret, 0, cfg.Auth.Issuer)
	}
	o.mw = auth.NewMiddleware(o.jwt, !cfg.Auth.Enabled || cfg.Auth.SkipAuth)

	o.health = health.NewManager(logger)
	o.registerHealthCheckers()

	o.api = httpapi.NewServer(o.hub, o.webhookStore, o.dispatcher, o.health, o.mw, logger)

	return o, nil
}

func openTicketStore(cfg *config.Config, logger *zap.Logger) (tickets.Store, error) {
	switch cfg.Tickets.Backend {
	case "sqlite":
		return tickets.NewSQLStore("sqlite3", cfg.TicketPath(), logger)
	case "postgres":
		return tickets.NewSQLStore("postgres", cfg.Tickets.DSN, logger)
	default:
		return tickets.NewDocumentStore(cfg.TicketPath(), logger)
	}
}

// connectRedis attaches the shared cache tier. Redis being down at boot
// degrades to local-only caches rather than failing startup.
func (o *Orchestrator) connectRedis(addr string) {
	l2, err := codectx.NewRedisCache(addr, o.logger)
	if err != nil {
		o.logger.Warn("Redis unavailable, caches run local-only",
			zap.String("addr", addr),
			zap.Error(err),
		)
		return
	}
	o.ctxL2 = l2

	o.redis = redis.NewClient(&redis.Options{Addr: addr})
	o.redisWrapper = circuitbreaker.NewRedisWrapper(o.redis, o.logger)

	if embCache, err := knowledge.NewRedisEmbeddingCache(addr, o.logger); err == nil {
		o.knowledge.SetEmbeddingCache(embCache)
	}
}

func (o *Orchestrator) contextL2() codectx.ContextCache {
	if o.ctxL2 == nil {
		return nil
	}
	return o.ctxL2
}

func (o *Orchestrator) registerHealthCheckers() {
	_ = o.health.RegisterChecker(health.NewTicketStoreHealthChecker(o.tickets, o.cfg.Tickets.Backend, o.logger))
	_ = o.health.RegisterChecker(health.NewWebhookDispatcherHealthChecker(o.dispatcher, o.logger))
	_ = o.health.RegisterChecker(health.NewHubHealthChecker(o.hub, o.logger))
	if o.redis != nil {
		_ = o.health.RegisterChecker(health.NewRedisHealthChecker(o.redis, o.redisWrapper, o.logger))
	}
}

// Start launches the background machinery: webhook workers, the hub
// heartbeat, and periodic health checks.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.dispatcher.Start()
	o.hub.StartHeartbeat(o.cfg.Hub.Heartbeat)
	if err := o.health.Start(ctx); err != nil {
		return fmt.Errorf("health manager: %w", err)
	}
	o.logger.Info("Orchestrator started",
		zap.String("ticket_backend", o.cfg.Tickets.Backend),
		zap.Bool("auth", o.cfg.Auth.Enabled),
		zap.Bool("redis", o.redis != nil),
	)
	return nil
}

// Shutdown closes every session, then stops the fan-out paths and storage.
// Session close runs first so final budget summaries and memory promotions
// still publish to live sinks.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.hub.StopHeartbeat()

	summaries := o.sessions.CloseAll()
	if len(summaries) > 0 {
		o.logger.Info("Closed active sessions", zap.Int("count", len(summaries)))
	}

	o.hubSink.Close()
	o.hub.Shutdown()
	o.dispatcher.Stop()

	g, _ := errgroup.WithContext(ctx)
	g.Go(o.knowledge.Close)
	g.Go(o.tickets.Close)
	g.Go(func() error {
		return o.health.Stop()
	})
	if o.ctxL2 != nil {
		g.Go(o.ctxL2.Close)
	}
	if o.redis != nil {
		g.Go(o.redis.Close)
	}
	err := g.Wait()
	o.logger.Info("Orchestrator stopped")
	return err
}

// Routes is the daemon's HTTP handler tree.
func (o *Orchestrator) Routes() http.Handler { return o.api.Routes() }

// Accessors for the wired subsystems.
func (o *Orchestrator) Sessions() *session.Manager    { return o.sessions }
func (o *Orchestrator) Budgets() *budget.Manager      { return o.budgets }
func (o *Orchestrator) Memories() *memory.Manager     { return o.memories }
func (o *Orchestrator) Knowledge() *knowledge.Manager { return o.knowledge }
func (o *Orchestrator) Handoffs() *handoff.Manager    { return o.handoffs }
func (o *Orchestrator) Tickets() tickets.Store        { return o.tickets }
func (o *Orchestrator) Tools() *tools.Registry        { return o.tools }
func (o *Orchestrator) Bus() *events.Bus              { return o.bus }
func (o *Orchestrator) Hub() *hub.Hub                 { return o.hub }
func (o *Orchestrator) Webhooks() *webhooks.Store     { return o.webhookStore }
func (o *Orchestrator) Health() *health.Manager       { return o.health }
func (o *Orchestrator) Context() *codectx.Facade      { return o.codectx }
func (o *Orchestrator) JWT() *auth.JWTManager         { return o.jwt }
