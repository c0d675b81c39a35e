package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-room/internal/agent"
	"github.com/loqalabs/loqa-room/internal/eventstore"
	"github.com/loqalabs/loqa-room/internal/llm"
	"github.com/loqalabs/loqa-room/internal/room"
	"github.com/loqalabs/loqa-room/internal/stt"
	"github.com/loqalabs/loqa-room/internal/transport"
	"github.com/loqalabs/loqa-room/internal/transport/livekit"
	"github.com/loqalabs/loqa-room/internal/transport/natsroom"
	"github.com/loqalabs/loqa-room/internal/tts"
)

const simulatedSpeaker = "simulated-user"

// capabilities are the agent's summarize and speak backends plus the bus workers serving them.
type capabilities struct {
	summarizer  agent.Summarizer
	synthesizer agent.Synthesizer
	transcripts stt.Source
	services    []service
}

func (r *Runtime) buildCapabilities(ctx context.Context) (capabilities, error) {
	var caps capabilities
	cfg := r.cfg

	llmTimeout := time.Duration(cfg.LLM.RequestTimeoutMS) * time.Millisecond
	if cfg.LLM.Mode == "bus" {
		caps.summarizer = llm.NewBusSummarizer(r.bus, llmTimeout)
	} else {
		gen, err := llm.NewGenerator(ctx, cfg.LLM, r.logger)
		if err != nil {
			return caps, fmt.Errorf("init llm: %w", err)
		}
		local := llm.NewSummarizer(gen, cfg.LLM, cfg.Agent)
		caps.summarizer = local
		if cfg.LLM.Serve {
			caps.services = append(caps.services, llm.NewService(ctx, r.bus, local.Summarize, r.logger))
		}
		r.logger.Info("llm ready", slog.String("mode", cfg.LLM.Mode), slog.Bool("serve", cfg.LLM.Serve))
	}

	if cfg.TTS.Enabled {
		ttsTimeout := time.Duration(cfg.TTS.RequestTimeoutMS) * time.Millisecond
		if cfg.TTS.Mode == "bus" {
			caps.synthesizer = tts.NewBusSpeaker(r.bus, cfg.TTS.Voice, ttsTimeout)
		} else {
			synth, err := tts.NewSynthesizer(ctx, cfg.TTS)
			if err != nil {
				return caps, fmt.Errorf("init tts: %w", err)
			}
			speaker := tts.NewSpeaker(synth, cfg.TTS)
			caps.synthesizer = speaker
			if cfg.TTS.Serve {
				caps.services = append(caps.services, tts.NewService(ctx, r.bus, speaker.Synthesize, r.logger))
			}
			r.logger.Info("tts ready", slog.String("mode", cfg.TTS.Mode), slog.String("voice", cfg.TTS.Voice))
		}
	}

	if cfg.STT.Enabled {
		var recognizer stt.Recognizer
		switch cfg.STT.Mode {
		case "exec":
			rec, err := stt.NewExecRecognizer(cfg.STT)
			if err != nil {
				return caps, fmt.Errorf("init stt: %w", err)
			}
			recognizer = rec
		default:
			recognizer = stt.NewMockRecognizer()
		}
		caps.services = append(caps.services, stt.NewService(ctx, cfg.STT, r.bus, recognizer, r.logger))
		caps.transcripts = stt.NewBusSource(r.bus)
	}

	if cfg.Agent.Simulate {
		r.simulator = stt.NewSimulator(cfg.Agent.SimulatedUtterance, time.Duration(cfg.Agent.SimulateDelayMS)*time.Millisecond)
	}
	return caps, nil
}

// joinRoom connects the configured transport and builds the agent pipeline and room session on it.
func (r *Runtime) joinRoom(ctx context.Context, sessionID string, timeline *eventstore.Timeline, caps capabilities) (*room.Session, *agent.Pipeline, error) {
	cfg := r.cfg
	roomLog := r.logger.With(slog.String("session_id", sessionID))

	var (
		tr      transport.Transport
		current atomic.Pointer[room.Session]
	)
	switch cfg.Room.Transport {
	case "livekit":
		lk, err := livekit.Connect(ctx, cfg.Room, livekit.Callbacks{
			OnMicrophone: func(identity string) {
				if r.simulator != nil && r.simulator.Trigger(identity) {
					roomLog.Info("simulating speech", slog.String("speaker", identity))
				}
			},
			OnParticipantJoined: func(identity string) {
				if s := current.Load(); s != nil {
					s.ParticipantJoined(identity)
				}
			},
			OnParticipantLeft: func(identity string) {
				if s := current.Load(); s != nil {
					s.ParticipantLeft(identity)
				}
			},
		}, roomLog)
		if err != nil {
			return nil, nil, err
		}
		tr = lk
		r.participants = lk.Participants
	default:
		nr, err := natsroom.Join(r.bus, cfg.Room.Name, cfg.Room.Identity, roomLog)
		if err != nil {
			return nil, nil, err
		}
		tr = nr
		if r.simulator != nil {
			r.simulator.Trigger(simulatedSpeaker)
		}
	}

	pipeline, err := agent.New(tr, caps.summarizer, caps.synthesizer, agent.Options{
		ChatTopic:  cfg.Protocol.ChatTopic,
		AudioTopic: cfg.Protocol.AudioTopic,
		ChunkSize:  cfg.Protocol.ChunkSize,
		Welcome:    cfg.Agent.Welcome,
		Logger:     roomLog,
		Timeline:   timeline,
	})
	if err != nil {
		_ = tr.Close()
		return nil, nil, fmt.Errorf("build agent pipeline: %w", err)
	}

	session := room.NewSession(tr, pipeline, timeline, room.Options{
		ID:            sessionID,
		Name:          cfg.Room.Name,
		UserChatTopic: cfg.Protocol.UserChatTopic,
		TextInput:     cfg.Agent.TextInput,
		StallTimeout:  time.Duration(cfg.Reassembly.StallTimeoutMS) * time.Millisecond,
		Logger:        r.logger,
	})
	current.Store(session)
	return session, pipeline, nil
}
