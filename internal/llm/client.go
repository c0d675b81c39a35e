package llm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/protocol"
)

// BusSummarizer delegates summarization to a Service listening on the bus.
type BusSummarizer struct {
	bus     *bus.Client
	timeout time.Duration
}

func NewBusSummarizer(busClient *bus.Client, timeout time.Duration) *BusSummarizer {
	return &BusSummarizer{bus: busClient, timeout: timeout}
}

func (b *BusSummarizer) Summarize(ctx context.Context, conversation string) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	req := protocol.SummarizeRequest{
		Conversation: conversation,
		TraceID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}
	var resp protocol.SummarizeResponse
	if err := b.bus.RequestJSON(ctx, protocol.SubjectSummarizeRequest, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	if resp.Summary == "" {
		return "", ErrEmptySummary
	}
	return resp.Summary, nil
}
