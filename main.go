package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fastband-ai/fastband/internal/circuitbreaker"
	"github.com/fastband-ai/fastband/internal/config"
	"github.com/fastband-ai/fastband/internal/orchestrator"
	"github.com/fastband-ai/fastband/internal/tracing"
)

func main() {
	dataDir := os.Getenv("FASTBAND_DATA_DIR")
	if dataDir == "" {
		dataDir = config.DefaultDataDir
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logLevel, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
	}, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection()

	core, err := orchestrator.New(cfg, orchestrator.Deps{}, logger)
	if err != nil {
		logger.Fatal("Failed to wire orchestrator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// Hot-reload config.yaml: the log level applies live, structural
	// settings wait for a restart.
	cfgWatch, err := config.NewManager(cfg.DataDir, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create config watcher", zap.Error(err))
	}
	cfgWatch.OnReload(func(old, cur *config.Config) {
		if old.Logging.Level != cur.Logging.Level {
			if level, err := zapcore.ParseLevel(cur.Logging.Level); err == nil {
				logLevel.SetLevel(level)
				logger.Info("Log level changed", zap.String("level", cur.Logging.Level))
			} else {
				logger.Warn("Ignoring unknown log level", zap.String("level", cur.Logging.Level))
			}
		}
		if old.Server != cur.Server || old.Auth != cur.Auth || old.Tickets != cur.Tickets {
			logger.Warn("Server, auth, and ticket settings apply on the next restart")
		}
	})
	if err := cfgWatch.Start(); err != nil {
		logger.Warn("Config hot-reload unavailable", zap.Error(err))
	}

	// Metrics get their own listener so the admin surface can be firewalled
	// separately from operational scrapes.
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	apiServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      core.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cfgWatch.Stop(); err != nil {
		logger.Warn("Config watcher shutdown", zap.Error(err))
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	return logger, zc.Level, err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
