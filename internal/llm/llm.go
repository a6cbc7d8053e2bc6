// Package llm adapts model providers behind one opaque callable. Stage
// scripts see a single llm(prompt) function; the provider behind it is
// selected per task from the pipeline config, falling back to the
// process-wide default.
package llm

import (
	"context"
	"fmt"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// Provider generates one completion for a prompt and reports token usage
// when the backend exposes it.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, *pipeord.TokenUsage, error)
}

// Factory builds a Provider for a given provider name and config.
type Factory func(name string, cfg config.ProviderConfig) Provider

var factories = map[string]Factory{}

// Register installs a factory for the given provider type string. Called
// from init() in each implementation file.
func Register(typeName string, factory Factory) {
	factories[typeName] = factory
}

// Build looks up a registered factory for cfg.Type and calls it. An unknown
// type with a URL set falls back to the OpenAI-compatible client, so any
// chat-completions endpoint works without code changes.
func Build(name string, cfg config.ProviderConfig) (Provider, bool) {
	if factory, ok := factories[cfg.Type]; ok {
		return factory(name, cfg), true
	}
	if cfg.URL != "" {
		return NewOpenAI(name, cfg), true
	}
	return nil, false
}

// Select resolves the named provider from the config map. The echo provider
// needs no configuration, so fresh installs run without a providers block.
func Select(name string, providers map[string]config.ProviderConfig) (Provider, error) {
	if cfg, ok := providers[name]; ok {
		p, built := Build(name, cfg)
		if !built {
			return nil, fmt.Errorf("provider %q has unknown type %q and no url", name, cfg.Type)
		}
		return p, nil
	}
	if name == "" || name == "echo" {
		return NewEcho(), nil
	}
	return nil, fmt.Errorf("provider %q not configured", name)
}
