package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Root         string                    `yaml:"root"`     // data root; PO_ROOT overrides
	Pipeline     string                    `yaml:"pipeline"` // active pipeline slug; PO_PIPELINE_SLUG overrides
	Provider     string                    `yaml:"provider"` // default model provider; PO_DEFAULT_PROVIDER overrides
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Runner       RunnerConfig              `yaml:"runner"`
	Events       EventsConfig              `yaml:"events"`
	Database     DatabaseConfig            `yaml:"database"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Notify       NotifyConfig              `yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// OrchestratorConfig holds dispatcher and worker-supervision settings.
type OrchestratorConfig struct {
	MaxWorkers            int  `yaml:"max_workers"`             // concurrent worker processes (default: 4, 0 = unlimited)
	GraceWindowSeconds    int  `yaml:"grace_window_seconds"`    // SIGTERM → SIGKILL window (default: 5)
	RescanIntervalSeconds int  `yaml:"rescan_interval_seconds"` // pending sweep period (default: 60)
	ResumeOnStart         bool `yaml:"resume_on_start"`         // rehydrate jobs left in current/ at startup
}

// GraceWindow returns the worker termination grace window.
func (c OrchestratorConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSeconds) * time.Second
}

// RescanInterval returns the pending-directory sweep period.
func (c OrchestratorConfig) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSeconds) * time.Second
}

// RunnerConfig holds per-worker execution settings.
type RunnerConfig struct {
	MaxRefinements int `yaml:"max_refinements"` // critique/refine loop bound (default: 3)
}

// EventsConfig holds change-detector and SSE settings.
type EventsConfig struct {
	DebounceMs  int `yaml:"debounce_ms"`  // per-job broadcast coalescing window (default: 200)
	HeartbeatMs int `yaml:"heartbeat_ms"` // SSE keep-alive comment period (default: 15000)
}

// Debounce returns the coalescing window.
func (c EventsConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Heartbeat returns the SSE heartbeat period.
func (c EventsConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// DatabaseConfig holds the optional history archive connection.
type DatabaseConfig struct {
	URL string `yaml:"url"` // empty disables the archive; PO_DATABASE_URL overrides
}

// ProviderConfig holds model provider settings.
type ProviderConfig struct {
	Type      string `yaml:"type"`        // "openai", "gemini", or "echo"
	URL       string `yaml:"url"`         // base URL for openai-compatible endpoints
	Model     string `yaml:"model"`       // default model name
	APIKey    string `yaml:"api_key"`     // inline key
	APIKeyEnv string `yaml:"api_key_env"` // name of env var holding the key; wins over api_key
}

// ResolveAPIKey returns the provider credential, preferring the env var.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// NotifyConfig holds terminal-state notification targets. Empty sections
// disable the corresponding sender.
type NotifyConfig struct {
	SlackWebhook string         `yaml:"slack_webhook"`
	SMTP         SMTPConfig     `yaml:"smtp"`
	Telegram     TelegramConfig `yaml:"telegram"`
}

// SMTPConfig holds mail notification settings.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// TelegramConfig holds bot notification settings.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// ErrRootRequired is returned when a command needs a data root and none was
// configured via flag, file, or PO_ROOT.
var ErrRootRequired = errors.New("data root not configured (set PO_ROOT or --root)")

// RequireRoot fails when no data root is configured.
func (c *Config) RequireRoot() error {
	if c.Root == "" {
		return ErrRootRequired
	}
	return nil
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8439,
			CORSOrigins: []string{"*"},
		},
		Pipeline: "default",
		Provider: "echo",
		Orchestrator: OrchestratorConfig{
			MaxWorkers:            4,
			GraceWindowSeconds:    5,
			RescanIntervalSeconds: 60,
		},
		Runner: RunnerConfig{MaxRefinements: 3},
		Events: EventsConfig{
			DebounceMs:  200,
			HeartbeatMs: 15000,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads a YAML configuration file at path, layers it over defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadDefault tries to load "pipeord.yaml" from the current directory. If
// the file does not exist, defaults plus environment overrides are used.
// Any other error (permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("pipeord.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers process environment overrides on top of the file values.
// Precedence: env > file > defaults. PO_UI_PORT wins over PORT.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PO_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("PO_PIPELINE_SLUG"); v != "" {
		cfg.Pipeline = v
	}
	if v := os.Getenv("PO_DEFAULT_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("PO_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PO_UI_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}
