package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a single JSON document.
	JSON bool
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Collect runs a generation to completion and returns the concatenated
// content of every chunk.
func Collect(ctx context.Context, g Generator, req Request) (string, error) {
	var sb strings.Builder
	err := g.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
