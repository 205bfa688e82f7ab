package gateway

import (
	"context"
	"fmt"
	"os"

	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/llm"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ModelEntry is one row of a models file, in the shape of the config table.
type ModelEntry struct {
	ID                   string  `yaml:"id"`
	Provider             string  `yaml:"provider"`
	Upstream             string  `yaml:"upstream,omitempty"`
	Capability           string  `yaml:"capability"`
	MaxInputTokens       int     `yaml:"max_input_tokens"`
	MaxOutputTokens      int     `yaml:"max_output_tokens"`
	CostPerMillionTokens float64 `yaml:"cost_per_million_tokens"`
	Streaming            *bool   `yaml:"streaming,omitempty"`
	Tokenizer            string  `yaml:"tokenizer,omitempty"`
	Description          string  `yaml:"description,omitempty"`
	// Discovered marks rows added from the upstream listing. They carry no
	// limits or pricing and fail config validation until filled in.
	Discovered bool `yaml:"discovered,omitempty"`
}

type ModelFile struct {
	Models []ModelEntry `yaml:"models"`
}

func entryFromConfig(m config.ModelConfig) ModelEntry {
	return ModelEntry{
		ID:                   m.ID,
		Provider:             m.Provider,
		Upstream:             m.Upstream,
		Capability:           m.Capability,
		MaxInputTokens:       m.MaxInputTokens,
		MaxOutputTokens:      m.MaxOutputTokens,
		CostPerMillionTokens: m.CostPerMillionTokens,
		Streaming:            m.Streaming,
		Tokenizer:            m.Tokenizer,
		Description:          m.Description,
	}
}

// MergeDiscovered keeps every configured model of providerID untouched and
// appends a draft row for each live upstream name no configured model maps
// to. Matching is on the upstream name.
func MergeDiscovered(configured []config.ModelConfig, providerID string, live []string) []ModelEntry {
	known := make(map[string]bool)
	var out []ModelEntry
	for _, m := range configured {
		if m.Provider != providerID {
			continue
		}
		known[m.UpstreamName()] = true
		out = append(out, entryFromConfig(m))
	}

	for _, name := range live {
		if known[name] {
			continue
		}
		known[name] = true
		out = append(out, ModelEntry{
			ID:          fmt.Sprintf("%s/%s", providerID, name),
			Provider:    providerID,
			Capability:  config.CapabilityChat,
			Description: fmt.Sprintf("Imported from %s", providerID),
			Discovered:  true,
		})
	}
	return out
}

// Discover asks every enabled provider that can list its upstream models
// and merges the result with the configured table. Providers that fail are
// logged and keep their configured rows.
func Discover(ctx context.Context, cfg *config.Config, log *zap.Logger) (ModelFile, error) {
	var file ModelFile
	for _, pCfg := range cfg.Providers {
		if !pCfg.Enabled {
			continue
		}
		factoryFunc, err := llm.Get(pCfg.Type)
		if err != nil {
			return file, fmt.Errorf("provider %s: %w", pCfg.ID, err)
		}
		p, err := factoryFunc(pCfg, log)
		if err != nil {
			return file, fmt.Errorf("failed to initialize provider %s: %w", pCfg.ID, err)
		}

		var live []string
		if lister, ok := p.(llm.ModelLister); ok {
			live, err = lister.UpstreamModels(ctx)
			if err != nil {
				log.Warn("Model listing failed", zap.String("provider", pCfg.ID), zap.Error(err))
			}
		}

		merged := MergeDiscovered(cfg.Models, pCfg.ID, live)
		log.Info("Discovered models",
			zap.String("provider", pCfg.ID),
			zap.Int("configured", len(pCfg.Models)),
			zap.Int("total", len(merged)))
		file.Models = append(file.Models, merged...)
	}
	return file, nil
}

func (f ModelFile) Write(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadModelFile(path string) (ModelFile, error) {
	var f ModelFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	err = yaml.Unmarshal(data, &f)
	return f, err
}
