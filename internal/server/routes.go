package server

import (
	"github.com/nulzo/model-gateway/internal/admission"
	"github.com/nulzo/model-gateway/internal/server/middleware"
	v1 "github.com/nulzo/model-gateway/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	health := v1.NewHealthHandler(s.deps.Checks)
	s.router.GET("/health", health.Health)
	s.router.GET("/ready", health.Ready)

	auth := middleware.NewAuthenticator(s.deps.Repo, s.deps.Cache, s.config.Auth.StaticKeys, s.logger)

	api := s.router.Group("/v1")
	api.Use(auth.Middleware())
	{
		chat := v1.NewChatHandler(s.deps.Gateway, s.logger)
		api.POST("/chat/completions",
			middleware.Admission(s.deps.Limiter, admission.ClassChat),
			chat.CreateCompletion)

		images := v1.NewImageHandler(s.deps.Gateway)
		api.POST("/images/generations",
			middleware.Admission(s.deps.Limiter, admission.ClassImage),
			images.Generate)

		models := v1.NewModelHandler(s.deps.Gateway)
		api.GET("/models", models.ListModels)

		analytics := v1.NewAnalyticsHandler(s.deps.Usage)
		api.GET("/usage", analytics.GetUsage)
		api.GET("/usage/daily", analytics.GetDaily)
		api.GET("/generation", analytics.GetGeneration)
	}

	admin := s.router.Group("/v1/admin")
	admin.Use(middleware.AdminOnly(s.config.Auth.AdminSecret))
	{
		h := v1.NewAdminHandler(s.deps.Repo, s.config, s.logger)
		admin.POST("/keys", h.CreateKey)
		admin.GET("/users/:id/keys", h.ListKeys)
		admin.GET("/config", h.GetConfig)
	}
}
