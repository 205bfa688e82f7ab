package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nulzo/model-gateway/internal/cli"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/gateway"
	"github.com/nulzo/model-gateway/internal/platform/logger"
	"go.uber.org/zap"
)

// discover lists the models each configured upstream serves and writes the
// merged model table for review. Imported rows need limits and pricing
// before they can be copied into the config.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the config file")
	out := flag.String("out", "models.discovered.yaml", "output file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	logger.Initialize(logger.DefaultConfig())
	log := logger.Get()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	file, err := gateway.Discover(ctx, cfg, log)
	if err != nil {
		log.Fatal("Discovery failed", zap.Error(err))
	}
	if err := file.Write(*out); err != nil {
		log.Fatal("Failed to write model file", zap.String("path", *out), zap.Error(err))
	}

	added := 0
	for _, m := range file.Models {
		if m.Discovered {
			added++
		}
	}
	fmt.Printf("%s wrote %d models (%d new) to %s\n", cli.CheckMark(), len(file.Models), added, *out)
}
