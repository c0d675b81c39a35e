package tts

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

type geminiSynth struct {
	client     *genai.Client
	model      string
	voice      string
	sampleRate int
}

// NewGeminiSynth speaks through a Gemini TTS model, which returns 24 kHz mono s16le PCM.
func NewGeminiSynth(ctx context.Context, apiKey, model, voice string) (Synthesizer, error) {
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
	return &geminiSynth{client: client, model: model, voice: voice, sampleRate: 24000}, nil
}

func (g *geminiSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = g.voice
		}
		cfg := &genai.GenerateContentConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		}
		resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Text), cfg)
		if err != nil {
			errs <- fmt.Errorf("gemini tts: %w", err)
			return
		}

		sequence := 0
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				select {
				case chunks <- SynthChunk{
					SessionID:  req.SessionID,
					Sequence:   sequence,
					SampleRate: g.sampleRate,
					Channels:   1,
					PCM:        part.InlineData.Data,
				}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
		}
		chunks <- SynthChunk{SessionID: req.SessionID, Sequence: sequence, SampleRate: g.sampleRate, Channels: 1, Final: true}
	}()
	return chunks, errs
}
