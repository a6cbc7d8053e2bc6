package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pipeord/pipeord/internal/config"
)

func TestEchoGenerate(t *testing.T) {
	out, usage, err := NewEcho().Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hello" {
		t.Errorf("output: %q", out)
	}
	if usage == nil || usage.Model != "echo" {
		t.Errorf("usage: %+v", usage)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var reqBody map[string]any
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if reqBody["model"] != "test-model" {
			t.Errorf("model = %v", reqBody["model"])
		}
		msgs := reqBody["messages"].([]any)
		first := msgs[0].(map[string]any)
		if first["content"] != "say hi" {
			t.Errorf("prompt = %v", first["content"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hi"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	p := NewOpenAI("local", config.ProviderConfig{
		URL:    srv.URL,
		Model:  "test-model",
		APIKey: "test-key",
	})
	out, usage, err := p.Generate(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hi" {
		t.Errorf("output: %q", out)
	}
	if usage.InputTokens != 3 || usage.OutputTokens != 1 || usage.Model != "test-model" {
		t.Errorf("usage: %+v", usage)
	}
}

func TestOpenAIGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAI("local", config.ProviderConfig{URL: srv.URL})
	if _, _, err := p.Generate(context.Background(), "x"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestBuild_URLFallsBackToOpenAICompat(t *testing.T) {
	p, ok := Build("ollama", config.ProviderConfig{Type: "something-new", URL: "http://localhost:11434/v1"})
	if !ok {
		t.Fatal("expected fallback to openai-compat")
	}
	if _, isOpenAI := p.(*OpenAI); !isOpenAI {
		t.Fatalf("expected *OpenAI, got %T", p)
	}
}

func TestBuild_UnknownTypeNoURL(t *testing.T) {
	if _, ok := Build("x", config.ProviderConfig{Type: "mystery"}); ok {
		t.Fatal("expected build failure for unknown type without url")
	}
}

func TestSelect(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"local": {Type: "openai", URL: "http://localhost:8080/v1"},
	}

	if p, err := Select("local", providers); err != nil || p.Name() != "local" {
		t.Errorf("Select(local) = %v, %v", p, err)
	}
	if p, err := Select("echo", providers); err != nil || p.Name() != "echo" {
		t.Errorf("Select(echo) = %v, %v", p, err)
	}
	if _, err := Select("missing", providers); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}
