package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// ollamaGenerator streams replies from Ollama's chat endpoint with the persona as the system
// message.
type ollamaGenerator struct {
	endpoint string
	models   map[string]string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	models := map[string]string{"fast": fastModel, "balanced": balancedModel}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		models:   models,
		client:   &http.Client{},
	}
}

func (g *ollamaGenerator) model(tier string) string {
	for _, t := range []string{tier, "balanced", "fast"} {
		if m := g.models[t]; m != "" {
			return m
		}
	}
	return defaultOllamaModel
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatLine struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.model(req.Tier),
		Messages: messages,
		Stream:   true,
		Options:  options,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	start := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line ollamaChatLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("ollama: %s", line.Error)
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          line.Message.Content,
			Partial:          !line.Done,
			PromptTokens:     line.PromptEvalCount,
			CompletionTokens: line.EvalCount,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
		if line.Done {
			break
		}
	}
	return scanner.Err()
}
