package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulzo/model-gateway/cmd"
	"github.com/nulzo/model-gateway/internal/admission"
	"github.com/nulzo/model-gateway/internal/analytics"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/gateway"
	"github.com/nulzo/model-gateway/internal/platform/logger"
	"github.com/nulzo/model-gateway/internal/platform/otel"
	"github.com/nulzo/model-gateway/internal/server"
	v1 "github.com/nulzo/model-gateway/internal/server/v1"
	"github.com/nulzo/model-gateway/internal/store/cache"
	"github.com/nulzo/model-gateway/internal/store/cache/memory"
	"github.com/nulzo/model-gateway/internal/store/cache/redis"
	"github.com/nulzo/model-gateway/internal/store/sqlite"
	"github.com/nulzo/model-gateway/internal/tokens"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize(logger.DefaultConfig())
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Initialize(logger.FromSettings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Color))
	log := logger.Get()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cmd.CheckForUpdates(ctx)

	shutdownTracer, err := otel.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, log, os.Stdout)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	repo, err := sqlite.NewSQLiteStorage(cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		_ = repo.Close()
	}()

	checks := map[string]v1.Pinger{"database": repo}

	var store cache.Store
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		log.Info("Using redis for rate limits and identity cache", zap.String("addr", cfg.Redis.Addr))
		checks["redis"] = rc
		store = rc
	} else {
		mc := memory.NewMemoryCache()
		mc.StartJanitor(time.Minute)
		log.Info("Using in-process cache; rate limits are per instance")
		store = mc
	}
	defer func() {
		_ = store.Close()
	}()

	ingestor := analytics.NewIngestor(log, repo, cfg.Usage)
	ingestor.Start()

	registry, err := gateway.BootstrapProviders(ctx, cfg.Providers, log)
	if err != nil {
		log.Fatal("Failed to bootstrap providers", zap.Error(err))
	}

	counter := tokens.NewCounter(cfg.Tokens.DefaultEncoding, log)
	service := gateway.NewService(registry, admission.NewBudget(counter), ingestor, log)

	srv := server.New(cfg, log, server.Dependencies{
		Gateway: service,
		Usage:   analytics.NewService(repo),
		Repo:    repo,
		Cache:   store,
		Limiter: admission.NewLimiter(store, cfg.RateLimit, log),
		Checks:  checks,
	})

	if err := srv.Start(ctx); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := ingestor.Shutdown(drainCtx); err != nil {
		log.Warn("Usage ingestor did not drain", zap.Error(err))
	}
	if err := shutdownTracer(drainCtx); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
