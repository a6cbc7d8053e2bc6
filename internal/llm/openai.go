package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/pipeord"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiDefaultModel   = "gpt-4o-mini"
)

// OpenAI talks to the OpenAI Chat Completions API. It also works with
// OpenAI-compatible endpoints such as Ollama and LM Studio via a custom
// base URL.
type OpenAI struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI builds the adapter from a provider config.
func NewOpenAI(name string, cfg config.ProviderConfig) *OpenAI {
	o := &OpenAI{
		name:    name,
		apiKey:  cfg.ResolveAPIKey(),
		baseURL: cfg.URL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	if o.baseURL == "" {
		o.baseURL = openaiDefaultBaseURL
	}
	if o.model == "" {
		o.model = openaiDefaultModel
	}
	return o
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, *pipeord.TokenUsage, error) {
	body := map[string]any{
		"model":  o.model,
		"stream": false,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("openai: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", nil, fmt.Errorf("openai: no choices in response")
	}

	usage := &pipeord.TokenUsage{
		Model:        o.model,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}
	return apiResp.Choices[0].Message.Content, usage, nil
}

func init() {
	Register("openai", func(name string, cfg config.ProviderConfig) Provider {
		return NewOpenAI(name, cfg)
	})
}

// --- chat completions wire types (self-contained, not shared) ---

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
