package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nulzo/model-gateway/internal/cli"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"go.uber.org/zap"

	// adapter types register themselves
	_ "github.com/nulzo/model-gateway/internal/llm/anthropic"
	_ "github.com/nulzo/model-gateway/internal/llm/bfl"
	_ "github.com/nulzo/model-gateway/internal/llm/flux"
	_ "github.com/nulzo/model-gateway/internal/llm/google"
	_ "github.com/nulzo/model-gateway/internal/llm/ollama"
	_ "github.com/nulzo/model-gateway/internal/llm/openai"
	_ "github.com/nulzo/model-gateway/internal/llm/openaisdk"
)

const healthTimeout = 5 * time.Second

// BootstrapProviders builds every enabled provider and registers its models.
// Unknown adapter types, construction failures and duplicate ids are fatal.
// A failing health probe is only reported: the models stay routable and
// calls fail with an upstream error until the provider recovers.
func BootstrapProviders(ctx context.Context, providers []config.ProviderConfig, log *zap.Logger) (*Registry, error) {
	registry := NewRegistry()

	for _, pCfg := range providers {
		if !pCfg.Enabled {
			log.Info(fmt.Sprintf("%s %s %s",
				cli.WarningSign(),
				cli.Stylize(fmt.Sprintf("%s\t", pCfg.ID), cli.Black),
				cli.Stylize("disabled", cli.Yellow),
			))
			continue
		}

		factoryFunc, err := llm.Get(pCfg.Type)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pCfg.ID, err)
		}

		providerInstance, err := factoryFunc(pCfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize provider %s: %w", pCfg.ID, err)
		}

		status := cli.Stylize("ready", cli.Green)
		mark := cli.CheckMark()
		if hc, ok := providerInstance.(llm.HealthChecker); ok {
			healthCtx, cancel := context.WithTimeout(ctx, healthTimeout)
			err := hc.Health(healthCtx)
			cancel()
			if err != nil {
				log.Warn("Provider health check failed", zap.String("id", pCfg.ID), zap.Error(err))
				status = cli.Stylize("unhealthy", cli.Red)
				mark = cli.CrossMark()
			}
		}

		if err := registry.Register(llm.WithBreaker(providerInstance, pCfg.Breaker, log)); err != nil {
			return nil, err
		}

		log.Info(fmt.Sprintf("%s %s %s %s",
			mark,
			cli.Stylize(fmt.Sprintf("%s\t", pCfg.ID), cli.Black),
			status,
			cli.Stylize(fmt.Sprintf("(%d models)", len(providerInstance.ListModels())), cli.Dim),
		))
	}

	if registry.Len() == 0 {
		log.Warn("No models were registered. API will not function correctly.")
	}

	return registry, nil
}
