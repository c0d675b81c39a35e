package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

type geminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &geminiGenerator{client: client, model: model}, nil
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	start := time.Now()
	var promptTokens, completionTokens int
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(req.Prompt), cfg) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if u := resp.UsageMetadata; u != nil {
			promptTokens = int(u.PromptTokenCount)
			completionTokens = int(u.CandidatesTokenCount)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          text,
			Partial:          true,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Partial:          false,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
