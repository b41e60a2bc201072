package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Provider types accepted in configuration.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
	TypeCompat    = "openai-compatible"
)

// ProviderConfig configures one entry of the provider chain.
type ProviderConfig struct {
	// Name is the label used in logs, metrics and Reply.ProviderUsed.
	Name string `yaml:"name"`

	// Type selects the adapter: openai, anthropic, gemini or
	// openai-compatible.
	Type string `yaml:"type"`

	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`

	// Timeout bounds a single attempt against this provider.
	Timeout time.Duration `yaml:"timeout"`
}

// NewProvider builds the adapter selected by cfg.Type.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	switch cfg.Type {
	case TypeOpenAI:
		return NewOpenAIProvider(cfg, logger)
	case TypeAnthropic:
		return NewAnthropicProvider(cfg, logger)
	case TypeGemini:
		return NewGeminiProvider(ctx, cfg, logger)
	case TypeCompat, "compat", "groq", "ollama":
		return NewCompatProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.Name, cfg.Type)
	}
}
