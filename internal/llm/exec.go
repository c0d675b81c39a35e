package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator pipes the prompt as JSON into a local command. The command may answer with
// plain text or with JSON lines of the form {"content": "...", "done": false}; each line is a chunk.
type execGenerator struct {
	argv []string
	mu   sync.Mutex
}

type execPrompt struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execLine struct {
	Content          *string `json:"content"`
	Done             bool    `json:"done,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execPrompt{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("llm command %s: %w", g.argv[0], err)
	}

	emit := func(c Chunk) error {
		c.SessionID = req.SessionID
		c.TraceID = req.TraceID
		c.Latency = time.Since(start)
		return consumer(c)
	}

	var plain []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		text := scanner.Text()
		var line execLine
		if err := json.Unmarshal([]byte(text), &line); err != nil || line.Content == nil {
			plain = append(plain, text)
			continue
		}
		if err := emit(Chunk{
			Content:          *line.Content,
			Partial:          !line.Done,
			PromptTokens:     line.PromptTokens,
			CompletionTokens: line.CompletionTokens,
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read llm command output: %w", err)
	}
	if len(plain) > 0 {
		return emit(Chunk{Content: strings.TrimSpace(strings.Join(plain, "\n"))})
	}
	return nil
}
