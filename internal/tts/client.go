package tts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/protocol"
)

// BusSpeaker delegates synthesis to a Service on the bus.
type BusSpeaker struct {
	bus     *bus.Client
	voice   string
	timeout time.Duration
}

func NewBusSpeaker(busClient *bus.Client, voice string, timeout time.Duration) *BusSpeaker {
	return &BusSpeaker{bus: busClient, voice: voice, timeout: timeout}
}

func (b *BusSpeaker) Synthesize(ctx context.Context, text string) (string, bool, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	req := protocol.SynthesizeRequest{
		Text:      text,
		Voice:     b.voice,
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	var resp protocol.SynthesizeResponse
	if err := b.bus.RequestJSON(ctx, protocol.SubjectSynthesizeRequest, req, &resp); err != nil {
		return "", false, err
	}
	if resp.Error != "" {
		return "", false, errors.New(resp.Error)
	}
	return resp.Audio, resp.Audio != "", nil
}
