package llm

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/pipeord"
)

const geminiDefaultModel = "gemini-2.5-flash"

// Gemini uses the google.golang.org/genai SDK directly instead of the
// OpenAI-compat path, which keeps native usage metadata available.
type Gemini struct {
	name    string
	apiKey  string
	model   string
	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGemini builds the adapter. The client is created lazily on first call
// because genai.NewClient wants a context.
func NewGemini(name string, cfg config.ProviderConfig) *Gemini {
	g := &Gemini{
		name:   name,
		apiKey: cfg.ResolveAPIKey(),
		model:  cfg.Model,
	}
	if g.model == "" {
		g.model = geminiDefaultModel
	}
	return g
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) ensureClient(ctx context.Context) error {
	g.once.Do(func() {
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return g.initErr
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, *pipeord.TokenUsage, error) {
	if err := g.ensureClient(ctx); err != nil {
		return "", nil, fmt.Errorf("gemini: client init failed: %w", err)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", nil, fmt.Errorf("gemini: %w", err)
	}

	usage := &pipeord.TokenUsage{Model: g.model}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return resp.Text(), usage, nil
}

func init() {
	Register("gemini", func(name string, cfg config.ProviderConfig) Provider {
		return NewGemini(name, cfg)
	})
}
