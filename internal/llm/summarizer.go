package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-room/internal/config"
)

var ErrEmptySummary = errors.New("model returned an empty summary")

// Summarizer turns what the user said into the agent's persona reply.
type Summarizer struct {
	gen         Generator
	defaults    Request
	persona     string
	instruction string
	prefix      string
	timeout     time.Duration
}

func NewSummarizer(gen Generator, llmCfg config.LLMConfig, agentCfg config.AgentConfig) *Summarizer {
	return &Summarizer{
		gen:         gen,
		defaults:    OptionsFromConfig(llmCfg, ""),
		persona:     agentCfg.Persona,
		instruction: agentCfg.Instruction,
		prefix:      agentCfg.ReplyPrefix,
		timeout:     time.Duration(llmCfg.RequestTimeoutMS) * time.Millisecond,
	}
}

// Summarize runs the persona prompt over conversation and returns the reply, always starting
// with the configured prefix.
func (s *Summarizer) Summarize(ctx context.Context, conversation string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req := s.defaults
	req.System = s.persona
	req.Prompt = fmt.Sprintf(s.instruction, conversation)

	var out strings.Builder
	err := s.gen.Generate(ctx, req, func(c Chunk) error {
		out.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	reply := strings.TrimSpace(out.String())
	if reply == "" {
		return "", ErrEmptySummary
	}
	return s.withPrefix(reply), nil
}

func (s *Summarizer) withPrefix(reply string) string {
	if s.prefix == "" || strings.HasPrefix(reply, s.prefix) {
		return reply
	}
	if trimmed := strings.TrimSpace(s.prefix); trimmed != "" && strings.HasPrefix(reply, trimmed) {
		return reply
	}
	return s.prefix + reply
}
