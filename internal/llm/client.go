// Package llm provides the language-completion service used by the
// planning agent and the LLM-backed executors. Providers are opaque
// behind the Client interface; the core never inspects provider
// internals.
package llm

import (
	"context"
	"fmt"

	"reagent/internal/config"
)

// Client defines the completion contract for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewClient creates a completion client from configuration.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "genai":
		return NewGenAIClient(cfg.APIKey, cfg.Model)
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.ParsedTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'genai' or 'openai')", cfg.Provider)
	}
}
