package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-room/internal/chunk"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/loqalabs/loqa-room/internal/reassembly"
	"github.com/loqalabs/loqa-room/internal/transport"
	"github.com/loqalabs/loqa-room/internal/transport/memory"
)

type summarizerFunc func(ctx context.Context, conversation string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, conversation string) (string, error) {
	return f(ctx, conversation)
}

type synthFunc func(ctx context.Context, text string) (string, bool, error)

func (f synthFunc) Synthesize(ctx context.Context, text string) (string, bool, error) {
	return f(ctx, text)
}

type recordedEvent struct {
	kind   string
	fields map[string]any
}

type memTimeline struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *memTimeline) Record(_ context.Context, kind, _ string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{kind: kind, fields: fields})
}

func (m *memTimeline) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.kind
	}
	return out
}

type listener struct {
	mu       sync.Mutex
	messages map[string][]string
}

// listen joins room as a receiver that reassembles both agent topics.
func listen(t *testing.T, room *memory.Room) *listener {
	t.Helper()
	l := &listener{messages: make(map[string][]string)}
	asm := reassembly.NewAssembler(reassembly.Options{Logger: discard()})
	asm.OnMessage(func(m reassembly.Message) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.messages[m.Topic] = append(l.messages[m.Topic], m.Text)
	})
	user := room.Join("user-1")
	for _, topic := range []string{protocol.TopicChat, protocol.TopicAudio} {
		_, err := user.Subscribe(topic, func(m transport.Message) {
			assert.NoError(t, asm.Accept(m.Sender, m.Topic, m.Payload))
		})
		require.NoError(t, err)
	}
	return l
}

func (l *listener) on(topic string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages[topic]...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T, pub transport.Publisher, sum Summarizer, synth Synthesizer, tl Timeline) *Pipeline {
	t.Helper()
	p, err := New(pub, sum, synth, Options{
		ChatTopic:  protocol.TopicChat,
		AudioTopic: protocol.TopicAudio,
		ChunkSize:  16,
		Welcome:    "Hello! I am Baymax, your personal healthcare companion. How can I help you today?",
		Logger:     discard(),
		Timeline:   tl,
	})
	require.NoError(t, err)
	return p
}

func echoSummary(_ context.Context, conversation string) (string, error) {
	return "Baymax: you said " + conversation, nil
}

func TestRespondDeliversTextThenAudio(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	audio := "data:audio/wav;base64," + strings.Repeat("QUJD", 40)
	tl := &memTimeline{}
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(echoSummary), synthFunc(func(context.Context, string) (string, bool, error) {
		return audio, true, nil
	}), tl)

	require.NoError(t, p.Respond(context.Background(), "I have a headache and a fever."))
	assert.Equal(t, []string{"Baymax: you said I have a headache and a fever."}, l.on(protocol.TopicChat))
	assert.Equal(t, []string{audio}, l.on(protocol.TopicAudio))
	assert.False(t, p.Busy())
	assert.Equal(t, []string{EventUtterance, EventSummary, EventAudio}, tl.kinds())
}

func TestRespondIgnoresBlankUtterance(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	var called atomic.Bool
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(func(context.Context, string) (string, error) {
		called.Store(true)
		return "x", nil
	}), nil, nil)

	require.NoError(t, p.Respond(context.Background(), "   \n"))
	assert.False(t, called.Load())
	assert.Empty(t, l.on(protocol.TopicChat))
}

func TestSummarizationFailureProducesSilence(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	var synthCalled atomic.Bool
	boom := errors.New("model unavailable")
	tl := &memTimeline{}
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(func(context.Context, string) (string, error) {
		return "", boom
	}), synthFunc(func(context.Context, string) (string, bool, error) {
		synthCalled.Store(true)
		return "", false, nil
	}), tl)

	err := p.Respond(context.Background(), "I am not feeling well.")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, l.on(protocol.TopicChat))
	assert.Empty(t, l.on(protocol.TopicAudio))
	assert.False(t, synthCalled.Load())
	assert.False(t, p.Busy())
	assert.Equal(t, []string{EventUtterance, EventFailure}, tl.kinds())
}

func TestSynthesisWithoutAudioPublishesTextOnly(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(echoSummary), synthFunc(func(context.Context, string) (string, bool, error) {
		return "", false, nil
	}), nil)

	require.NoError(t, p.Respond(context.Background(), "hello"))
	assert.Equal(t, []string{"Baymax: you said hello"}, l.on(protocol.TopicChat))
	assert.Empty(t, l.on(protocol.TopicAudio))
}

func TestSynthesisErrorKeepsPublishedText(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(echoSummary), synthFunc(func(context.Context, string) (string, bool, error) {
		return "", false, errors.New("voice offline")
	}), nil)

	err := p.Respond(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesize")
	assert.Equal(t, []string{"Baymax: you said hello"}, l.on(protocol.TopicChat))
	assert.Empty(t, l.on(protocol.TopicAudio))
}

func TestBusyRejectsConcurrentTrigger(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(func(_ context.Context, c string) (string, error) {
		calls.Add(1)
		close(entered)
		<-release
		return "Baymax: " + c, nil
	}), nil, nil)

	done := make(chan error, 1)
	go func() { done <- p.Respond(context.Background(), "first") }()
	<-entered
	assert.True(t, p.Busy())

	assert.ErrorIs(t, p.Respond(context.Background(), "second"), ErrBusy)
	assert.ErrorIs(t, p.Welcome(context.Background()), ErrBusy)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first reply did not finish")
	}
	assert.False(t, p.Busy())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"Baymax: first"}, l.on(protocol.TopicChat))
}

type failingPublisher struct {
	inner  transport.Publisher
	failAt int
	calls  int
}

func (f *failingPublisher) Publish(ctx context.Context, topic string, payload []byte, rel transport.Reliability) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("data channel closed")
	}
	return f.inner.Publish(ctx, topic, payload, rel)
}

func TestTextPublishFailureSkipsAudio(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	var synthCalled atomic.Bool
	pub := &failingPublisher{inner: room.Join("Baymax"), failAt: 2}
	p := newPipeline(t, pub, summarizerFunc(echoSummary), synthFunc(func(context.Context, string) (string, bool, error) {
		synthCalled.Store(true)
		return "data:audio/wav;base64,AAAA", true, nil
	}), nil)

	err := p.Respond(context.Background(), "a long enough utterance to need several frames")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish_text")
	assert.False(t, synthCalled.Load())
	assert.Empty(t, l.on(protocol.TopicChat), "no terminator was sent, so no message completes")
	assert.Empty(t, l.on(protocol.TopicAudio))
	assert.False(t, p.Busy())
}

func TestFramesRespectChunkSize(t *testing.T) {
	room := memory.NewRoom()
	var sizes []int
	user := room.Join("user-1")
	_, err := user.Subscribe(protocol.TopicChat, func(m transport.Message) { sizes = append(sizes, len(m.Payload)) })
	require.NoError(t, err)

	summary := "Baymax: " + strings.Repeat("x", 40)
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(func(context.Context, string) (string, error) { return summary, nil }), nil, nil)
	require.NoError(t, p.Respond(context.Background(), "hi"))

	want, err := chunk.Count(summary, 16)
	require.NoError(t, err)
	require.Len(t, sizes, want+1)
	for _, n := range sizes[:len(sizes)-1] {
		assert.LessOrEqual(t, n, 16)
	}
	assert.Equal(t, len(protocol.Terminator), sizes[len(sizes)-1])
}

func TestWelcome(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	tl := &memTimeline{}
	p := newPipeline(t, room.Join("Baymax"), summarizerFunc(echoSummary), synthFunc(func(context.Context, string) (string, bool, error) {
		return "data:audio/wav;base64,UklGRg==", true, nil
	}), tl)

	require.NoError(t, p.Welcome(context.Background()))
	assert.Equal(t, []string{"Hello! I am Baymax, your personal healthcare companion. How can I help you today?"}, l.on(protocol.TopicChat))
	assert.Equal(t, []string{"data:audio/wav;base64,UklGRg=="}, l.on(protocol.TopicAudio))
	assert.Equal(t, []string{EventWelcome, EventAudio}, tl.kinds())
}

func TestNewValidatesOptions(t *testing.T) {
	room := memory.NewRoom()
	_, err := New(room.Join("Baymax"), summarizerFunc(echoSummary), nil, Options{ChunkSize: 0})
	assert.ErrorIs(t, err, chunk.ErrInvalidLimit)
	_, err = New(nil, summarizerFunc(echoSummary), nil, Options{ChunkSize: 10})
	assert.Error(t, err)

	p, err := New(room.Join("Baymax"), summarizerFunc(echoSummary), nil, Options{ChunkSize: 10})
	require.NoError(t, err)
	assert.Equal(t, protocol.TopicChat, p.opts.ChatTopic)
	assert.Equal(t, protocol.TopicAudio, p.opts.AudioTopic)
}

// cancellingPublisher cancels the reply's context once the first frame is out.
type cancellingPublisher struct {
	transport.Publisher
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingPublisher) Publish(ctx context.Context, topic string, payload []byte, rel transport.Reliability) error {
	err := c.Publisher.Publish(ctx, topic, payload, rel)
	c.once.Do(c.cancel)
	return err
}

func TestCancelledReplyDoesNotLeakIntoNextMessage(t *testing.T) {
	room := memory.NewRoom()
	l := listen(t, room)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &cancellingPublisher{Publisher: room.Join("Baymax"), cancel: cancel}

	replies := []string{"0123456789abcdef0123456789ab", "PARTIAL-REST"}
	var call atomic.Int32
	p := newPipeline(t, pub, summarizerFunc(func(context.Context, string) (string, error) {
		return replies[call.Add(1)-1], nil
	}), nil, nil)

	require.NoError(t, p.Respond(ctx, "first"))
	require.NoError(t, p.Respond(context.Background(), "second"))
	assert.Equal(t, replies, l.on(protocol.TopicChat))
}
