package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 5 * time.Millisecond} }

// Generate acknowledges the last line of the prompt, streamed one word per chunk.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	prompt := strings.TrimSpace(req.Prompt)
	if i := strings.LastIndexByte(prompt, '\n'); i >= 0 {
		prompt = prompt[i+1:]
	}
	said := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(prompt), "User said:"))
	words := strings.Fields("I hear you: " + said + " How can I help?")

	start := time.Now()
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if i > 0 {
			w = " " + w
		}
		last := i == len(words)-1
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          w,
			Partial:          !last,
			CompletionTokens: i + 1,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
