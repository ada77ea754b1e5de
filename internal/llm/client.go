// Package llm provides the LLM clients used by the synthesis fallback.
// Two providers are supported: Gemini (the default) and any
// OpenAI-compatible endpoint. Clients are thin wrappers over the
// official SDKs; there is no retry or backoff layer here.
package llm

import (
	"context"
	"fmt"

	"tasksmith/internal/config"
)

// Client defines the interface for LLM providers.
type Client interface {
	Chat(ctx context.Context, prompt string) (string, error)
	ChatWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewClient creates a client for the configured provider.
func NewClient(cfg *config.Config) (Client, error) {
	if !cfg.LLM.HasCredentials() {
		return nil, fmt.Errorf("LLM API key not configured")
	}

	switch cfg.LLM.Provider {
	case "gemini", "":
		client, err := NewGeminiClient(cfg.LLM.APIKey)
		if err != nil {
			return nil, err
		}
		if cfg.LLM.Model != "" {
			client.SetModel(cfg.LLM.Model)
		}
		client.SetTimeout(cfg.GetLLMTimeout())
		return client, nil

	case "openai":
		client := NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL)
		if cfg.LLM.Model != "" {
			client.SetModel(cfg.LLM.Model)
		}
		client.SetTimeout(cfg.GetLLMTimeout())
		return client, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (valid: %v)", cfg.LLM.Provider, config.ValidProviders)
	}
}
