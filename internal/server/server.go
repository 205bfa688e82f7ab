package server

import (
	"context"
	"errors"
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/model-gateway/internal/admission"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/server/middleware"
	v1 "github.com/nulzo/model-gateway/internal/server/v1"
	"github.com/nulzo/model-gateway/internal/server/validator"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/cache"
	"go.uber.org/zap"
)

// Dependencies are the services the HTTP surface is wired to.
type Dependencies struct {
	Gateway v1.Gateway
	Usage   v1.UsageReader
	Repo    store.Repository
	Cache   cache.CacheService
	Limiter *admission.Limiter
	// Checks are pinged by the readiness probe, keyed by name.
	Checks map[string]v1.Pinger
}

type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.Logger
	deps   Dependencies
	http   *http.Server
}

func New(cfg *config.Config, logger *zap.Logger, deps Dependencies) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	validator.InitValidator()

	engine := gin.New()

	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(middleware.RequestID())
	if cfg.Tracing.Enabled {
		engine.Use(middleware.Tracing(cfg.Tracing.ServiceName))
	}
	engine.Use(middleware.Logger(logger))
	engine.Use(middleware.ErrorHandler(logger))

	if cfg.RateLimit.IP.Enabled {
		ipLimiter := middleware.NewRateLimiter(cfg.RateLimit.IP.RequestsPerSecond, cfg.RateLimit.IP.Burst, logger)
		engine.Use(ipLimiter.Middleware())
	}

	s := &Server{
		router: engine,
		config: cfg,
		logger: logger,
		deps:   deps,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains in-flight requests for
// up to the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:        ":" + s.config.Server.Port,
		Handler:     s.router,
		ReadTimeout: s.config.Server.ReadTimeout,
		// streams outlive any fixed write deadline; 0 disables it
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
