package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-room/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output. Content holds only the new text.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

// NewGenerator builds the local backend named by cfg.Mode. The bus mode has no local backend.
func NewGenerator(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("llm mode %q has no local generator", cfg.Mode)
	}
}
