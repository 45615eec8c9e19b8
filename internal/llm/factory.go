package llm

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// FromConfig builds the generator selected by cfg.Mode. It returns nil when
// the model is disabled.
func FromConfig(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.APIKey, cfg.Model)
	case "mock", "":
		// mock categorization is the keyword table itself
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
