package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-room/internal/agent"
	"github.com/loqalabs/loqa-room/internal/stt"
)

// Responder produces the agent's reply to one utterance.
type Responder interface {
	Respond(ctx context.Context, utterance string) error
}

type Options struct {
	// Identity is the agent's own participant identity; its utterances are never answered.
	Identity string
	// ReplyPrefix marks text the agent wrote itself.
	ReplyPrefix string
}

// Service fans utterance sources into the responder. Each utterance is answered on its own
// goroutine so a reply in flight turns the next trigger into a busy rejection, not a queue.
type Service struct {
	sources   []stt.Source
	responder Responder
	opts      Options
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool

	mu       sync.Mutex
	lastSeen map[string]stt.Utterance
}

func NewService(parent context.Context, responder Responder, opts Options, logger *slog.Logger, sources ...stt.Source) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		sources:   sources,
		responder: responder,
		opts:      opts,
		logger:    logger.With(slog.String("component", "router")),
		ctx:       ctx,
		cancel:    cancel,
		lastSeen:  make(map[string]stt.Utterance),
	}
}

func (s *Service) Start() error {
	for _, src := range s.sources {
		s.wg.Add(1)
		go s.consume(src)
	}
	s.started.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.started.Load() && s.ctx.Err() == nil
}

// LastUtterance returns the most recent utterance heard from speaker.
func (s *Service) LastUtterance(speaker string) (stt.Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.lastSeen[speaker]
	return u, ok
}

func (s *Service) consume(src stt.Source) {
	defer s.wg.Done()
	for u, err := range src.Utterances(s.ctx) {
		if err != nil {
			s.logger.Warn("utterance source error", slogError(err))
			continue
		}
		s.Dispatch(u)
	}
}

// Dispatch answers u unless it came from the agent itself.
func (s *Service) Dispatch(u stt.Utterance) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}
	if s.opts.Identity != "" && u.Speaker == s.opts.Identity {
		return
	}
	if prefix := strings.TrimSpace(s.opts.ReplyPrefix); prefix != "" && strings.HasPrefix(text, prefix) {
		s.logger.Debug("ignoring agent reply", slog.String("speaker", u.Speaker))
		return
	}

	s.mu.Lock()
	s.lastSeen[u.Speaker] = u
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.responder.Respond(s.ctx, text)
		switch {
		case err == nil:
		case errors.Is(err, agent.ErrBusy):
			s.logger.Debug("utterance dropped while busy", slog.String("speaker", u.Speaker), slog.String("origin", u.Origin))
		default:
			// the pipeline already logged the failed stage
			s.logger.Debug("reply failed", slog.String("speaker", u.Speaker), slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
