package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Utterance is one finalized piece of speech or typed text attributed to a participant.
type Utterance struct {
	Speaker string
	Text    string
	Origin  string
	At      time.Time
}

const (
	OriginSpeech    = "speech"
	OriginChat      = "chat"
	OriginSimulated = "simulated"
)

// Source yields finalized utterances until ctx ends or the consumer stops. Each call to
// Utterances starts a fresh iteration.
type Source interface {
	Utterances(ctx context.Context) iter.Seq2[Utterance, error]
}

// BusSource streams final transcripts published by the STT service.
type BusSource struct {
	bus    *bus.Client
	buffer int
}

func NewBusSource(busClient *bus.Client) *BusSource {
	return &BusSource{bus: busClient, buffer: 64}
}

func (b *BusSource) Utterances(ctx context.Context) iter.Seq2[Utterance, error] {
	return func(yield func(Utterance, error) bool) {
		ch := make(chan *nats.Msg, b.buffer)
		sub, err := b.bus.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, ch)
		if err != nil {
			yield(Utterance{}, fmt.Errorf("subscribe transcripts: %w", err))
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				var t protocol.Transcript
				if err := json.Unmarshal(msg.Data, &t); err != nil {
					if !yield(Utterance{}, fmt.Errorf("decode transcript: %w", err)) {
						return
					}
					continue
				}
				if t.Partial || strings.TrimSpace(t.Text) == "" {
					continue
				}
				speaker := t.Speaker
				if speaker == "" {
					speaker = t.SessionID
				}
				if !yield(Utterance{Speaker: speaker, Text: t.Text, Origin: OriginSpeech, At: t.Timestamp}, nil) {
					return
				}
			}
		}
	}
}

// Feed is a push-fed source. Push never blocks; utterances beyond the buffer are dropped.
type Feed struct {
	ch chan Utterance
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{ch: make(chan Utterance, buffer)}
}

// Push enqueues u and reports whether it was accepted.
func (f *Feed) Push(u Utterance) bool {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	select {
	case f.ch <- u:
		return true
	default:
		return false
	}
}

func (f *Feed) Utterances(ctx context.Context) iter.Seq2[Utterance, error] {
	return func(yield func(Utterance, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-f.ch:
				if !yield(u, nil) {
					return
				}
			}
		}
	}
}

// Simulator stands in for live speech recognition: once a speaker's microphone appears it
// pushes a canned utterance after a delay.
type Simulator struct {
	*Feed
	text  string
	delay time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewSimulator(text string, delay time.Duration) *Simulator {
	return &Simulator{
		Feed:   NewFeed(4),
		text:   text,
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger schedules the utterance for speaker. Repeated triggers for one speaker are ignored.
func (s *Simulator) Trigger(speaker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.timers[speaker]; ok {
		return false
	}
	s.timers[speaker] = time.AfterFunc(s.delay, func() {
		s.Push(Utterance{Speaker: speaker, Text: s.text, Origin: OriginSimulated})
	})
	return true
}

// Stop cancels pending utterances.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, t := range s.timers {
		t.Stop()
	}
}
