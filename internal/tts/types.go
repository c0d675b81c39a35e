package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-room/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the local backend named by cfg.Mode.
func NewSynthesizer(ctx context.Context, cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg)
	case "gemini":
		return NewGeminiSynth(ctx, cfg.APIKey, cfg.Model, cfg.Voice)
	default:
		return nil, fmt.Errorf("tts mode %q has no local synthesizer", cfg.Mode)
	}
}
