// Package room ties one connected transport to the agent for the lifetime of a room session.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-room/internal/agent"
	"github.com/loqalabs/loqa-room/internal/reassembly"
	"github.com/loqalabs/loqa-room/internal/stt"
	"github.com/loqalabs/loqa-room/internal/transport"
)

// Timeline is the session's event log; it is purged when the session closes.
type Timeline interface {
	agent.Timeline
	Purge(ctx context.Context) error
}

type Options struct {
	ID            string
	Name          string
	UserChatTopic string
	// TextInput answers messages typed on UserChatTopic.
	TextInput    bool
	StallTimeout time.Duration
	Logger       *slog.Logger
}

type Session struct {
	opts     Options
	tr       transport.Transport
	pipe     *agent.Pipeline
	asm      *reassembly.Assembler
	chat     *stt.Feed
	timeline Timeline
	log      *slog.Logger

	greeting sync.Mutex

	mu       sync.Mutex
	welcomed bool
	closed   bool
	cancels  []func()
	runCtx   context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewSession wires tr and pipe together. timeline may be nil.
func NewSession(tr transport.Transport, pipe *agent.Pipeline, timeline Timeline, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "room"), slog.String("session_id", opts.ID))
	s := &Session{
		opts:     opts,
		tr:       tr,
		pipe:     pipe,
		asm:      reassembly.NewAssembler(reassembly.Options{StallTimeout: opts.StallTimeout, Logger: log}),
		chat:     stt.NewFeed(16),
		timeline: timeline,
		log:      log,
	}
	s.asm.OnMessage(s.handleMessage)
	return s
}

func (s *Session) ID() string   { return s.opts.ID }
func (s *Session) Name() string { return s.opts.Name }

// Chat yields the messages participants typed on the user chat topic.
func (s *Session) Chat() stt.Source { return s.chat }

// Assembler exposes the inbound reassembly state.
func (s *Session) Assembler() *reassembly.Assembler { return s.asm }

// Start subscribes to inbound topics and starts pruning stalled messages.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("room session closed")
	}
	if s.opts.TextInput && s.opts.UserChatTopic != "" {
		cancel, err := s.tr.Subscribe(s.opts.UserChatTopic, s.accept)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.opts.UserChatTopic, err)
		}
		s.cancels = append(s.cancels, cancel)
	}
	runCtx, stop := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.stop = stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.asm.Run(runCtx)
	}()
	s.log.Info("room session started", slog.String("room", s.opts.Name), slog.String("identity", s.tr.Identity()))
	return nil
}

// accept greets a sender seen for the first time before taking its frame, so the welcome reaches
// the room ahead of the reply to that sender's first message.
func (s *Session) accept(msg transport.Message) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx != nil {
		s.greet(ctx, msg.Sender)
	}
	if err := s.asm.Accept(msg.Sender, msg.Topic, msg.Payload); err != nil {
		s.log.Warn("dropping undecodable frame", slog.String("sender", msg.Sender), slog.String("topic", msg.Topic), slogError(err))
	}
}

func (s *Session) handleMessage(m reassembly.Message) {
	if m.Topic != s.opts.UserChatTopic {
		return
	}
	if !s.chat.Push(stt.Utterance{Speaker: m.Sender, Text: m.Text, Origin: stt.OriginChat}) {
		s.log.Warn("chat backlog full, dropping message", slog.String("sender", m.Sender))
	}
}

// Welcome greets the room the first time it succeeds; later calls do nothing.
func (s *Session) Welcome(ctx context.Context) error {
	s.greeting.Lock()
	defer s.greeting.Unlock()
	if s.Welcomed() {
		return nil
	}
	if err := s.pipe.Welcome(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.welcomed = true
	s.mu.Unlock()
	return nil
}

// ParticipantJoined greets the room in the background once a remote participant is present.
// Calls before Start or after Close are ignored.
func (s *Session) ParticipantJoined(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.runCtx == nil || s.welcomed {
		return
	}
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.greet(ctx, identity)
	}()
}

func (s *Session) greet(ctx context.Context, identity string) {
	if identity == "" || identity == s.tr.Identity() || s.Welcomed() {
		return
	}
	if err := s.Welcome(ctx); err != nil {
		s.log.Warn("welcome failed", slog.String("participant", identity), slogError(err))
		return
	}
	s.log.Info("room welcomed", slog.String("participant", identity))
}

func (s *Session) Welcomed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.welcomed
}

// ParticipantLeft discards partial messages from identity.
func (s *Session) ParticipantLeft(identity string) {
	s.asm.Forget(identity)
}

// Close leaves the room and purges the session timeline.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	stop := s.stop
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if stop != nil {
		stop()
	}
	s.wg.Wait()

	var errs []error
	if err := s.tr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if s.timeline != nil {
		if err := s.timeline.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("purge timeline: %w", err))
		}
	}
	s.log.Info("room session closed")
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
