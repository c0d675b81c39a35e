package llm

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

// SummarizeFunc is what the service answers requests with.
type SummarizeFunc func(ctx context.Context, conversation string) (string, error)

// Service answers summarize requests arriving on the bus so agents without model access can
// delegate to this process.
type Service struct {
	bus       *bus.Client
	summarize SummarizeFunc
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, summarize SummarizeFunc, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		summarize: summarize,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSummarizeRequest, "llm-workers", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe summarize requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SummarizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode summarize request", slogError(err))
		s.respond(msg, protocol.SummarizeResponse{Error: "invalid request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		summary, err := s.summarize(s.ctx, req.Conversation)
		resp := protocol.SummarizeResponse{Summary: summary, LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			s.logger.Warn("summarize failed", slog.String("trace_id", req.TraceID), slogError(err))
			resp = protocol.SummarizeResponse{Error: err.Error()}
		} else {
			s.logger.Info("summarize complete", slog.String("trace_id", req.TraceID), slog.Duration("latency", time.Since(start)))
		}
		s.respond(msg, resp)
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.SummarizeResponse) {
	if err := bus.RespondJSON(msg, resp); err != nil {
		s.logger.Warn("failed to respond to summarize request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
