package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that answers every request with a short tone.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}
		var pcm []byte
		if req.Text != "" {
			pcm = tone(m.sampleRate/10, m.sampleRate, m.channels)
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        pcm,
			Final:      true,
		}
	}()
	return chunks, errs
}

// tone renders frames of a 440 Hz sine as s16le.
func tone(frames, sampleRate, channels int) []byte {
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*channels+c)*2:], uint16(v))
		}
	}
	return pcm
}
