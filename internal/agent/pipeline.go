// Package agent turns an utterance into a spoken and written reply delivered to the room.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-room/internal/chunk"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/loqalabs/loqa-room/internal/transport"
)

// ErrBusy rejects a trigger that arrives while a reply is being produced.
var ErrBusy = errors.New("agent is busy with another reply")

type Summarizer interface {
	Summarize(ctx context.Context, conversation string) (string, error)
}

// Synthesizer voices text. ok is false when no audio was produced.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio string, ok bool, err error)
}

// Timeline receives the pipeline's events.
type Timeline interface {
	Record(ctx context.Context, kind, traceID string, fields map[string]any)
}

const (
	EventUtterance = "utterance"
	EventSummary   = "summary"
	EventAudio     = "audio"
	EventFailure   = "failure"
	EventWelcome   = "welcome"
)

type Options struct {
	ChatTopic  string
	AudioTopic string
	ChunkSize  int
	Welcome    string
	Logger     *slog.Logger
	Timeline   Timeline
}

type Pipeline struct {
	pub   transport.Publisher
	sum   Summarizer
	synth Synthesizer
	opts  Options
	log   *slog.Logger
	busy  atomic.Bool

	tracer    trace.Tracer
	responses metric.Int64Counter
	rejected  metric.Int64Counter
	failures  metric.Int64Counter
	frames    metric.Int64Counter
}

// New builds a pipeline publishing through pub. A nil synth disables the audio stage.
func New(pub transport.Publisher, sum Summarizer, synth Synthesizer, opts Options) (*Pipeline, error) {
	if pub == nil || sum == nil {
		return nil, errors.New("agent requires a publisher and a summarizer")
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size %d: %w", opts.ChunkSize, chunk.ErrInvalidLimit)
	}
	if opts.ChatTopic == "" {
		opts.ChatTopic = protocol.TopicChat
	}
	if opts.AudioTopic == "" {
		opts.AudioTopic = protocol.TopicAudio
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		pub:    pub,
		sum:    sum,
		synth:  synth,
		opts:   opts,
		log:    log.With(slog.String("component", "agent")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-room/agent"),
	}
	p.initMetrics()
	return p, nil
}

func (p *Pipeline) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-room/agent")
	var err error
	if p.responses, err = meter.Int64Counter("loqa.agent.responses", metric.WithDescription("Replies delivered to the room")); err != nil {
		p.log.Warn("failed to create counter", slogError(err))
	}
	if p.rejected, err = meter.Int64Counter("loqa.agent.rejected", metric.WithDescription("Triggers rejected while busy")); err != nil {
		p.log.Warn("failed to create counter", slogError(err))
	}
	if p.failures, err = meter.Int64Counter("loqa.agent.failures", metric.WithDescription("Replies abandoned by stage")); err != nil {
		p.log.Warn("failed to create counter", slogError(err))
	}
	if p.frames, err = meter.Int64Counter("loqa.agent.frames", metric.WithDescription("Data frames published by topic")); err != nil {
		p.log.Warn("failed to create counter", slogError(err))
	}
}

// Busy reports whether a reply is in flight.
func (p *Pipeline) Busy() bool { return p.busy.Load() }

// Respond summarizes utterance and delivers the reply text, then its audio. Blank utterances
// are ignored. A call made while another is in flight returns ErrBusy without side effects.
// Stage failures are logged and returned; nothing is retried.
func (p *Pipeline) Respond(ctx context.Context, utterance string) error {
	if strings.TrimSpace(utterance) == "" {
		return nil
	}
	if !p.busy.CompareAndSwap(false, true) {
		p.add(ctx, p.rejected, 1, attribute.String("trigger", "respond"))
		return ErrBusy
	}
	defer p.busy.Store(false)

	traceID := uuid.NewString()
	ctx, span := p.tracer.Start(ctx, "agent.respond", trace.WithAttributes(attribute.String("loqa.trace_id", traceID)))
	defer span.End()
	p.record(ctx, EventUtterance, traceID, map[string]any{"text": utterance})

	sctx, sspan := p.tracer.Start(ctx, "agent.summarize")
	summary, err := p.sum.Summarize(sctx, utterance)
	sspan.End()
	if err != nil {
		return p.fail(ctx, span, traceID, "summarize", err)
	}
	p.record(ctx, EventSummary, traceID, map[string]any{"text": summary})

	if err := p.deliver(ctx, span, traceID, summary); err != nil {
		return err
	}
	p.add(ctx, p.responses, 1, attribute.String("trigger", "respond"))
	return nil
}

// Welcome delivers greeting text and audio through the same path as a reply.
func (p *Pipeline) Welcome(ctx context.Context) error {
	if strings.TrimSpace(p.opts.Welcome) == "" {
		return nil
	}
	if !p.busy.CompareAndSwap(false, true) {
		p.add(ctx, p.rejected, 1, attribute.String("trigger", "welcome"))
		return ErrBusy
	}
	defer p.busy.Store(false)

	traceID := uuid.NewString()
	ctx, span := p.tracer.Start(ctx, "agent.welcome", trace.WithAttributes(attribute.String("loqa.trace_id", traceID)))
	defer span.End()
	p.record(ctx, EventWelcome, traceID, map[string]any{"text": p.opts.Welcome})

	if err := p.deliver(ctx, span, traceID, p.opts.Welcome); err != nil {
		return err
	}
	p.add(ctx, p.responses, 1, attribute.String("trigger", "welcome"))
	return nil
}

// deliver publishes text, then its synthesized audio. The audio stage runs only after the
// whole text message, terminator included, was handed to the transport.
func (p *Pipeline) deliver(ctx context.Context, span trace.Span, traceID, text string) error {
	if err := p.publish(ctx, p.opts.ChatTopic, text); err != nil {
		return p.fail(ctx, span, traceID, "publish_text", err)
	}
	if p.synth == nil {
		return nil
	}

	tctx, tspan := p.tracer.Start(ctx, "agent.synthesize")
	audio, ok, err := p.synth.Synthesize(tctx, text)
	tspan.End()
	if err != nil {
		return p.fail(ctx, span, traceID, "synthesize", err)
	}
	if !ok || audio == "" {
		p.log.Info("no audio produced", slog.String("trace_id", traceID))
		return nil
	}

	if err := p.publish(ctx, p.opts.AudioTopic, audio); err != nil {
		return p.fail(ctx, span, traceID, "publish_audio", err)
	}
	p.record(ctx, EventAudio, traceID, map[string]any{"bytes": len(audio)})
	return nil
}

func (p *Pipeline) publish(ctx context.Context, topic, message string) error {
	frames, err := chunk.Split(topic, message, p.opts.ChunkSize)
	if err != nil {
		return err
	}
	if chunk.Collides(message, p.opts.ChunkSize) {
		p.log.Warn("message contains a frame equal to the terminator; receivers will cut it short", slog.String("topic", topic))
	}
	n, err := transport.PublishFrames(ctx, p.pub, frames, transport.Reliable)
	p.add(ctx, p.frames, int64(n), attribute.String("topic", topic))
	if err != nil {
		return err
	}
	p.log.Debug("message published", slog.String("topic", topic), slog.Int("frames", n), slog.Int("bytes", len(message)))
	return nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, traceID, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	p.add(ctx, p.failures, 1, attribute.String("stage", stage))
	p.log.Warn("reply abandoned", slog.String("stage", stage), slog.String("trace_id", traceID), slogError(err))
	p.record(ctx, EventFailure, traceID, map[string]any{"stage": stage, "error": err.Error()})
	return fmt.Errorf("%s: %w", stage, err)
}

func (p *Pipeline) record(ctx context.Context, kind, traceID string, fields map[string]any) {
	if p.opts.Timeline != nil {
		p.opts.Timeline.Record(context.WithoutCancel(ctx), kind, traceID, fields)
	}
}

func (p *Pipeline) add(ctx context.Context, c metric.Int64Counter, n int64, attr attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attr))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
