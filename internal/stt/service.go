package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/config"
	"github.com/loqalabs/loqa-room/internal/protocol"
)

const (
	maxUtterance      = 30 * time.Second
	transcribeTimeout = 45 * time.Second
)

// Service transcribes the audio participants stream on audio.frame.<identity> and publishes
// interim and final transcripts for the router.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool

	mu       sync.Mutex
	speakers map[string]*speech
}

// speech is what one speaker has said since their last final transcript.
type speech struct {
	pcm          []byte
	sampleRate   int
	channels     int
	lastInterim  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		ctx:        ctx,
		cancel:     cancel,
		speakers:   make(map[string]*speech),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.logger.Info("stt service started", slog.Int("sample_rate", s.cfg.SampleRate))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func speakerFromSubject(subject string) string {
	return strings.TrimPrefix(subject, protocol.SubjectAudioFramePrefix+".")
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	speaker := speakerFromSubject(msg.Subject)
	if speaker == "" || speaker == msg.Subject {
		speaker = frame.SessionID
	}

	s.mu.Lock()
	sp := s.speakers[speaker]
	if sp == nil {
		sp = &speech{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.speakers[speaker] = sp
	}
	if frame.SampleRate > 0 {
		sp.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		sp.channels = frame.Channels
	}
	sp.pcm = append(sp.pcm, frame.PCM...)
	final := frame.Final || s.overLong(sp)
	interim := !final && s.cfg.PublishInterim && s.interimDue(sp)
	s.mu.Unlock()

	switch {
	case final:
		s.transcribe(speaker, true)
	case interim:
		s.transcribe(speaker, false)
	}
}

// overLong ends utterances that never received a final frame. Callers hold s.mu.
func (s *Service) overLong(sp *speech) bool {
	seg := Segment{PCM: sp.pcm, SampleRate: sp.sampleRate, Channels: sp.channels}
	return seg.Duration() >= maxUtterance
}

// interimDue reports whether another interim transcript may start. Callers hold s.mu.
func (s *Service) interimDue(sp *speech) bool {
	if sp.inflight {
		return false
	}
	every := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if every <= 0 {
		return false
	}
	if sp.lastInterim.IsZero() || time.Since(sp.lastInterim) >= every {
		sp.lastInterim = time.Now()
		return true
	}
	return false
}

func (s *Service) transcribe(speaker string, final bool) {
	s.mu.Lock()
	sp := s.speakers[speaker]
	if sp == nil {
		s.mu.Unlock()
		return
	}
	if sp.inflight {
		sp.pendingFinal = sp.pendingFinal || final
		s.mu.Unlock()
		return
	}
	seg := Segment{
		Speaker:    speaker,
		PCM:        append([]byte(nil), sp.pcm...),
		SampleRate: sp.sampleRate,
		Channels:   sp.channels,
		Final:      final,
	}
	sp.inflight = true
	if final {
		sp.pcm = nil
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		res, err := s.recognizer.Transcribe(ctx, seg)
		if err != nil {
			s.logger.Warn("transcription failed", slog.String("speaker", speaker), slog.Bool("final", final), slogError(err))
		} else {
			s.publish(seg, res)
		}

		s.mu.Lock()
		var again bool
		if sp := s.speakers[speaker]; sp != nil {
			sp.inflight = false
			again = sp.pendingFinal
			sp.pendingFinal = false
			if final && len(sp.pcm) == 0 {
				delete(s.speakers, speaker)
			}
		}
		s.mu.Unlock()

		if again {
			s.transcribe(speaker, true)
		}
	}()
}

func (s *Service) publish(seg Segment, res TranscriptResult) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if seg.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(protocol.Transcript{
		SessionID:  seg.Speaker,
		Speaker:    seg.Speaker,
		Text:       text,
		Partial:    !seg.Final,
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence,
	})
	if err != nil {
		s.logger.Warn("failed to encode transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
		return
	}
	s.logger.Debug("transcript published", slog.String("speaker", seg.Speaker), slog.Bool("final", seg.Final))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
