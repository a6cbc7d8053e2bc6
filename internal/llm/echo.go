package llm

import (
	"context"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// Echo returns the prompt unchanged. It is the zero-config default so
// pipelines run end to end before any real provider is wired up.
type Echo struct{}

// NewEcho returns the echo provider.
func NewEcho() *Echo { return &Echo{} }

func (*Echo) Name() string { return "echo" }

func (*Echo) Generate(_ context.Context, prompt string) (string, *pipeord.TokenUsage, error) {
	return prompt, &pipeord.TokenUsage{Model: "echo"}, nil
}

func init() {
	Register("echo", func(string, config.ProviderConfig) Provider {
		return NewEcho()
	})
}
