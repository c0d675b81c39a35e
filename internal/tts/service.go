package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/nats-io/nats.go"
)

// SpeakFunc produces the audio data URI for text.
type SpeakFunc func(ctx context.Context, text string) (string, bool, error)

// Service answers synthesize requests arriving on the bus.
type Service struct {
	bus    *bus.Client
	speak  SpeakFunc
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, speak SpeakFunc, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		speak:  speak,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSynthesizeRequest, "tts-workers", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe synthesize requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesize request", slogError(err))
		s.respond(msg, protocol.SynthesizeResponse{Error: "invalid request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		uri, ok, err := s.speak(s.ctx, req.Text)
		resp := protocol.SynthesizeResponse{LatencyMS: time.Since(start).Milliseconds()}
		switch {
		case err != nil:
			s.logger.Warn("tts synthesis error", slog.String("trace_id", req.TraceID), slogError(err))
			resp.Error = err.Error()
		case ok:
			resp.Audio = uri
		default:
			s.logger.Info("tts produced no audio", slog.String("trace_id", req.TraceID))
		}
		s.respond(msg, resp)
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.SynthesizeResponse) {
	if err := bus.RespondJSON(msg, resp); err != nil {
		s.logger.Warn("failed to respond to synthesize request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
