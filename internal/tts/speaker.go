package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-room/internal/audio"
	"github.com/loqalabs/loqa-room/internal/config"
)

// Speaker voices replies as WAV data URIs.
type Speaker struct {
	synth      Synthesizer
	voice      string
	sampleRate int
	channels   int
	timeout    time.Duration
}

func NewSpeaker(synth Synthesizer, cfg config.TTSConfig) *Speaker {
	return &Speaker{
		synth:      synth,
		voice:      cfg.Voice,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		timeout:    time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
	}
}

// Synthesize collects all PCM for text. ok is false when the backend produced no audio.
func (s *Speaker) Synthesize(ctx context.Context, text string) (string, bool, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	pcm, rate, channels, err := Collect(ctx, s.synth, SynthRequest{Text: text, Voice: s.voice})
	if err != nil {
		return "", false, err
	}
	if len(pcm) == 0 {
		return "", false, nil
	}
	if rate == 0 {
		rate = s.sampleRate
	}
	if channels == 0 {
		channels = s.channels
	}
	uri, err := audio.DataURI(pcm, rate, channels)
	if err != nil {
		return "", false, fmt.Errorf("encode speech: %w", err)
	}
	return uri, true, nil
}

// Collect drains a synthesis stream and returns the concatenated PCM with its format.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (pcm []byte, sampleRate, channels int, err error) {
	chunks, errs := synth.Synthesize(ctx, req)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			pcm = append(pcm, chunk.PCM...)
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if e != nil {
				return nil, 0, 0, fmt.Errorf("synthesize: %w", e)
			}
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
	return pcm, sampleRate, channels, nil
}
