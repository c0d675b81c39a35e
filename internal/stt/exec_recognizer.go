package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-room/internal/audio"
	"github.com/loqalabs/loqa-room/internal/config"
)

// execRecognizer hands each segment to a local command as a WAV file, whisper.cpp style:
//
//	<command> --audio seg.wav [--model m] [--language l] [--partial]
//
// The command prints {"text": "...", "confidence": 0.9} or plain text.
type execRecognizer struct {
	argv     []string
	model    string
	language string
	mu       sync.Mutex
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{argv: argv, model: cfg.ModelPath, language: cfg.Language}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, seg Segment) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, cleanup, err := audio.TempWAV(seg.PCM, seg.SampleRate, seg.Channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	args := append(append([]string{}, r.argv[1:]...), "--audio", path)
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if !seg.Final {
		args = append(args, "--partial")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command for %s: %w: %s", seg.Speaker, err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var res struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return TranscriptResult{Text: string(out)}, nil
	}
	return TranscriptResult{Text: strings.TrimSpace(res.Text), Confidence: res.Confidence}, nil
}
