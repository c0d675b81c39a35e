package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-room/internal/chunk"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/loqalabs/loqa-room/internal/transport"
)

func TestPublishReachesOtherParticipantsInOrder(t *testing.T) {
	room := NewRoom()
	agent := room.Join("Baymax")
	user := room.Join("user-1")

	var got []transport.Message
	_, err := user.Subscribe(protocol.TopicChat, func(m transport.Message) { got = append(got, m) })
	require.NoError(t, err)
	var echoed int
	_, err = agent.Subscribe(protocol.TopicChat, func(transport.Message) { echoed++ })
	require.NoError(t, err)

	frames, err := chunk.Split(protocol.TopicChat, "hello", 2)
	require.NoError(t, err)
	n, err := transport.PublishFrames(context.Background(), agent, frames, transport.Reliable)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.Len(t, got, 4)
	for i, want := range []string{"he", "ll", "o", "EOM"} {
		assert.Equal(t, want, string(got[i].Payload))
		assert.Equal(t, "Baymax", got[i].Sender)
	}
	assert.Zero(t, echoed, "publisher must not receive its own messages")
}

func TestTopicsAreIndependent(t *testing.T) {
	room := NewRoom()
	agent := room.Join("Baymax")
	user := room.Join("user-1")

	var chat, audio int
	_, err := user.Subscribe(protocol.TopicChat, func(transport.Message) { chat++ })
	require.NoError(t, err)
	_, err = user.Subscribe(protocol.TopicAudio, func(transport.Message) { audio++ })
	require.NoError(t, err)

	require.NoError(t, agent.Publish(context.Background(), protocol.TopicAudio, []byte("x"), transport.BestEffort))
	assert.Equal(t, 0, chat)
	assert.Equal(t, 1, audio)
}

func TestUnsubscribeAndClose(t *testing.T) {
	room := NewRoom()
	agent := room.Join("Baymax")
	user := room.Join("user-1")

	count := 0
	cancel, err := user.Subscribe(protocol.TopicChat, func(transport.Message) { count++ })
	require.NoError(t, err)
	require.NoError(t, agent.Publish(context.Background(), protocol.TopicChat, []byte("a"), transport.Reliable))
	cancel()
	cancel()
	require.NoError(t, agent.Publish(context.Background(), protocol.TopicChat, []byte("b"), transport.Reliable))
	assert.Equal(t, 1, count)

	require.NoError(t, agent.Close())
	err = agent.Publish(context.Background(), protocol.TopicChat, []byte("c"), transport.Reliable)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = agent.Subscribe(protocol.TopicChat, func(transport.Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDropHook(t *testing.T) {
	room := NewRoom()
	room.Drop = func(m transport.Message) bool { return string(m.Payload) == "lost" }
	agent := room.Join("Baymax")
	user := room.Join("user-1")

	var got []string
	_, err := user.Subscribe(protocol.TopicChat, func(m transport.Message) { got = append(got, string(m.Payload)) })
	require.NoError(t, err)
	for _, p := range []string{"kept", "lost", "EOM"} {
		require.NoError(t, agent.Publish(context.Background(), protocol.TopicChat, []byte(p), transport.Reliable))
	}
	assert.Equal(t, []string{"kept", "EOM"}, got)
}

type failingPublisher struct {
	failAt int
	calls  int
}

func (f *failingPublisher) Publish(context.Context, string, []byte, transport.Reliability) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("link down")
	}
	return nil
}

func TestPublishFramesStopsAtFirstError(t *testing.T) {
	frames, err := chunk.Split(protocol.TopicChat, "abcdef", 2)
	require.NoError(t, err)
	pub := &failingPublisher{failAt: 2}
	n, err := transport.PublishFrames(context.Background(), pub, frames, transport.Reliable)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, pub.calls)
}

func TestPublishFramesSkipsBurstWhenAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	frames, err := chunk.Split(protocol.TopicChat, "abc", 2)
	require.NoError(t, err)
	pub := &failingPublisher{}
	n, err := transport.PublishFrames(ctx, pub, frames, transport.Reliable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Zero(t, pub.calls)
}

func TestPublishFramesFinishesBurstAfterCancel(t *testing.T) {
	room := NewRoom()
	agent := room.Join("Baymax")
	user := room.Join("user-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var frames [][]byte
	_, err := user.Subscribe(protocol.TopicChat, func(m transport.Message) {
		frames = append(frames, m.Payload)
		cancel()
	})
	require.NoError(t, err)

	out, err := chunk.Split(protocol.TopicChat, "0123456789abcdef0123456789ab", 16)
	require.NoError(t, err)
	n, err := transport.PublishFrames(ctx, agent, out, transport.Reliable)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, frames, 3)
	assert.True(t, protocol.IsTerminator(frames[2]))
}
