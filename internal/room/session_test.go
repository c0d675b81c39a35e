package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-room/internal/agent"
	"github.com/loqalabs/loqa-room/internal/chunk"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/loqalabs/loqa-room/internal/stt"
	"github.com/loqalabs/loqa-room/internal/transport"
	"github.com/loqalabs/loqa-room/internal/transport/memory"
)

type summarizerFunc func(ctx context.Context, conversation string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, c string) (string, error) { return f(ctx, c) }

type fakeTimeline struct {
	purged atomic.Bool
	mu     sync.Mutex
	kinds  []string
}

func (f *fakeTimeline) Record(_ context.Context, kind, _ string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

func (f *fakeTimeline) Purge(context.Context) error {
	f.purged.Store(true)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSession(t *testing.T, room *memory.Room, sum agent.Summarizer, tl Timeline) *Session {
	t.Helper()
	tr := room.Join("Baymax")
	pipe, err := agent.New(tr, sum, nil, agent.Options{
		ChunkSize: 8,
		Welcome:   "Hello! I am Baymax.",
		Logger:    discard(),
		Timeline:  tl,
	})
	require.NoError(t, err)
	return NewSession(tr, pipe, tl, Options{
		ID:            "session-1",
		Name:          "g-baymax-session-abc1234",
		UserChatTopic: protocol.TopicUserChat,
		TextInput:     true,
		Logger:        discard(),
	})
}

func collect(t *testing.T, room *memory.Room, topic string) *[]string {
	t.Helper()
	var got []string
	var buf []byte
	user := room.Join("observer")
	_, err := user.Subscribe(topic, func(m transport.Message) {
		if protocol.IsTerminator(m.Payload) {
			got = append(got, string(buf))
			buf = nil
			return
		}
		buf = append(buf, m.Payload...)
	})
	require.NoError(t, err)
	return &got
}

func TestWelcomeOnlyOnce(t *testing.T) {
	room := memory.NewRoom()
	chat := collect(t, room, protocol.TopicChat)
	s := newSession(t, room, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	assert.False(t, s.Welcomed())
	require.NoError(t, s.Welcome(context.Background()))
	require.NoError(t, s.Welcome(context.Background()))
	assert.True(t, s.Welcomed())
	assert.Equal(t, []string{"Hello! I am Baymax."}, *chat)
}

func TestWelcomeRetriedAfterFailure(t *testing.T) {
	room := memory.NewRoom()
	tr := room.Join("Baymax")
	pub := &flakyTransport{Transport: tr, fail: true}
	pipe, err := agent.New(pub, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), nil,
		agent.Options{ChunkSize: 8, Welcome: "Hello!", Logger: discard()})
	require.NoError(t, err)
	s := NewSession(pub, pipe, nil, Options{ID: "s", Logger: discard()})

	require.Error(t, s.Welcome(context.Background()))
	assert.False(t, s.Welcomed())
	pub.fail = false
	require.NoError(t, s.Welcome(context.Background()))
	assert.True(t, s.Welcomed())
}

type flakyTransport struct {
	transport.Transport
	fail bool
}

func (f *flakyTransport) Publish(ctx context.Context, topic string, payload []byte, rel transport.Reliability) error {
	if f.fail {
		return errors.New("not connected")
	}
	return f.Transport.Publish(ctx, topic, payload, rel)
}

func TestTypedChatBecomesUtterance(t *testing.T) {
	room := memory.NewRoom()
	s := newSession(t, room, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	user := room.Join("user-42")
	frames, err := chunk.Split(protocol.TopicUserChat, "I have a headache and a fever.", 8)
	require.NoError(t, err)
	_, err = transport.PublishFrames(context.Background(), user, frames, transport.Reliable)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for u, err := range s.Chat().Utterances(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "user-42", u.Speaker)
		assert.Equal(t, "I have a headache and a fever.", u.Text)
		assert.Equal(t, stt.OriginChat, u.Origin)
		return
	}
	t.Fatal("no chat utterance")
}

func TestParticipantLeftDropsPartialMessage(t *testing.T) {
	room := memory.NewRoom()
	s := newSession(t, room, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	user := room.Join("user-42")
	require.NoError(t, user.Publish(context.Background(), protocol.TopicUserChat, []byte("half"), transport.Reliable))
	assert.Equal(t, 1, s.Assembler().Pending())
	s.ParticipantLeft("user-42")
	assert.Zero(t, s.Assembler().Pending())
}

func TestCloseLeavesRoomAndPurgesTimeline(t *testing.T) {
	room := memory.NewRoom()
	tl := &fakeTimeline{}
	s := newSession(t, room, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), tl)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Welcome(context.Background()))

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, tl.purged.Load())
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, []string{agent.EventWelcome}, tl.kinds)
}

func TestWelcomeWaitsForParticipant(t *testing.T) {
	room := memory.NewRoom()
	chat := collect(t, room, protocol.TopicChat)
	s := newSession(t, room, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), nil)

	s.ParticipantJoined("user-42")
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())
	s.ParticipantJoined("Baymax")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, *chat)
	assert.False(t, s.Welcomed())

	s.ParticipantJoined("user-42")
	require.Eventually(t, s.Welcomed, time.Second, 5*time.Millisecond)
	s.ParticipantJoined("user-43")
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []string{"Hello! I am Baymax."}, *chat)
}

func TestFirstMessageFromNewSenderIsPrecededByWelcome(t *testing.T) {
	room := memory.NewRoom()
	chat := collect(t, room, protocol.TopicChat)
	s := newSession(t, room, summarizerFunc(func(context.Context, string) (string, error) { return "x", nil }), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())
	assert.Empty(t, *chat)

	user := room.Join("user-42")
	frames, err := chunk.Split(protocol.TopicUserChat, "hi", 8)
	require.NoError(t, err)
	_, err = transport.PublishFrames(context.Background(), user, frames, transport.Reliable)
	require.NoError(t, err)

	assert.True(t, s.Welcomed())
	assert.Equal(t, []string{"Hello! I am Baymax."}, *chat)
}
