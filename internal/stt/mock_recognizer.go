package stt

import (
	"context"
	"fmt"
)

// mockRecognizer describes the audio it was given instead of recognizing it.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return mockRecognizer{}
}

func (mockRecognizer) Transcribe(_ context.Context, seg Segment) (TranscriptResult, error) {
	if len(seg.PCM) == 0 {
		return TranscriptResult{}, nil
	}
	kind := "interim"
	if seg.Final {
		kind = "final"
	}
	return TranscriptResult{Text: fmt.Sprintf("[%s %dms of speech]", kind, seg.Duration().Milliseconds())}, nil
}
