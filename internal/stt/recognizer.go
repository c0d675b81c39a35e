package stt

import (
	"context"
	"time"
)

// Segment is buffered speech from one participant.
type Segment struct {
	Speaker    string
	PCM        []byte
	SampleRate int
	Channels   int
	// Final marks the end of the speaker's utterance; otherwise an interim result is wanted.
	Final bool
}

// Duration is the playback length of the 16-bit PCM in the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	samples := len(s.PCM) / (2 * s.Channels)
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer turns speech into text.
type Recognizer interface {
	Transcribe(ctx context.Context, seg Segment) (TranscriptResult, error)
}
