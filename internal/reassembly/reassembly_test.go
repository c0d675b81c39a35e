package reassembly

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-room/internal/chunk"
	"github.com/loqalabs/loqa-room/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func feedAll(t *testing.T, s *Session, frames []protocol.Frame) []string {
	t.Helper()
	var out []string
	for _, f := range frames {
		msg, done, err := s.Feed(f.Payload)
		require.NoError(t, err)
		if done {
			out = append(out, msg)
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	messages := []string{
		"",
		"hello",
		"Baymax: On a scale of 1 to 10, how would you rate your pain?",
		strings.Repeat("x", 7),
		strings.Repeat("x", 21),
		"data:audio/wav;base64," + strings.Repeat("UklGRiQAAABXQVZF", 500),
		"héllo wörld ✓ 日本語 🙂",
	}
	for _, limit := range []int{1, 2, 3, 7, 64, protocol.DefaultChunkSize} {
		for _, m := range messages {
			frames, err := chunk.Split(protocol.TopicChat, m, limit)
			require.NoError(t, err)
			var s Session
			got := feedAll(t, &s, frames)
			require.Equal(t, []string{m}, got, "limit=%d", limit)
			assert.Equal(t, Idle, s.State())
			assert.Empty(t, s.Buffered())
		}
	}
}

func TestScenarioHello(t *testing.T) {
	var s Session
	got := feedAll(t, &s, []protocol.Frame{
		{Payload: []byte("hel")},
		{Payload: []byte("lo")},
		protocol.TerminatorFrame(protocol.TopicChat),
	})
	assert.Equal(t, []string{"hello"}, got)
}

func TestStateTransitions(t *testing.T) {
	var s Session
	assert.Equal(t, Idle, s.State())

	_, done, err := s.Feed([]byte("ab"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, Accumulating, s.State())

	_, _, err = s.Feed([]byte("cd"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", s.Buffered())

	msg, done, err := s.Feed([]byte(protocol.Terminator))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "abcd", msg)
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.Buffered())
}

func TestTerminatorWithoutContentEmitsEmpty(t *testing.T) {
	var s Session
	for i := 0; i < 3; i++ {
		msg, done, err := s.Feed([]byte(protocol.Terminator))
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, "", msg)
		assert.Equal(t, Idle, s.State())
	}
}

func TestResetAfterManyMessages(t *testing.T) {
	var s Session
	for i := 0; i < 50; i++ {
		frames, err := chunk.Split(protocol.TopicChat, strings.Repeat("q", i), 4)
		require.NoError(t, err)
		feedAll(t, &s, frames)
		assert.Equal(t, Idle, s.State())
		assert.Empty(t, s.Buffered())
	}
}

func TestDecodeErrorDropsFrame(t *testing.T) {
	var s Session
	_, _, err := s.Feed([]byte("good "))
	require.NoError(t, err)

	_, done, err := s.Feed([]byte{0xff, 0xfe})
	require.ErrorIs(t, err, ErrDecode)
	assert.False(t, done)
	assert.Equal(t, Accumulating, s.State())
	assert.Equal(t, "good ", s.Buffered())

	_, _, err = s.Feed([]byte("news"))
	require.NoError(t, err)
	msg, done, err := s.Feed([]byte(protocol.Terminator))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "good news", msg)
}

func TestDecodeErrorInIdleStaysIdle(t *testing.T) {
	var s Session
	_, _, err := s.Feed([]byte{0xc3})
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, Idle, s.State())
}

func TestAssemblerSeparatesSendersAndTopics(t *testing.T) {
	a := NewAssembler(Options{Logger: newLogger()})
	var got []Message
	a.OnMessage(func(m Message) { got = append(got, m) })

	require.NoError(t, a.Accept("alice", protocol.TopicChat, []byte("hi ")))
	require.NoError(t, a.Accept("bob", protocol.TopicChat, []byte("yo ")))
	require.NoError(t, a.Accept("alice", protocol.TopicAudio, []byte("data:")))
	require.NoError(t, a.Accept("alice", protocol.TopicChat, []byte("there")))
	assert.Equal(t, 3, a.Pending())
	assert.Equal(t, Accumulating, a.State("alice", protocol.TopicChat))

	require.NoError(t, a.Accept("alice", protocol.TopicChat, []byte(protocol.Terminator)))
	require.NoError(t, a.Accept("bob", protocol.TopicChat, []byte(protocol.Terminator)))

	assert.Equal(t, []Message{
		{Sender: "alice", Topic: protocol.TopicChat, Text: "hi there"},
		{Sender: "bob", Topic: protocol.TopicChat, Text: "yo "},
	}, got)
	assert.Equal(t, Idle, a.State("alice", protocol.TopicChat))
	assert.Equal(t, Accumulating, a.State("alice", protocol.TopicAudio))
	assert.Equal(t, 1, a.Pending())
}

func TestAssemblerEmitsOncePerTerminator(t *testing.T) {
	a := NewAssembler(Options{Logger: newLogger()})
	count := 0
	a.OnMessage(func(Message) { count++ })

	frames, err := chunk.Split(protocol.TopicChat, strings.Repeat("m", 25), 10)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, a.Accept("agent", f.Topic, f.Payload))
	}
	require.NoError(t, a.Accept("agent", protocol.TopicChat, []byte(protocol.Terminator)))
	assert.Equal(t, 2, count)
}

func TestAssemblerPruneStalled(t *testing.T) {
	a := NewAssembler(Options{StallTimeout: time.Second, Logger: newLogger()})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.clock = func() time.Time { return now }

	require.NoError(t, a.Accept("agent", protocol.TopicAudio, []byte("partial")))
	assert.Equal(t, 0, a.Prune())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, a.Prune())
	assert.Equal(t, Idle, a.State("agent", protocol.TopicAudio))

	var got []Message
	a.OnMessage(func(m Message) { got = append(got, m) })
	require.NoError(t, a.Accept("agent", protocol.TopicAudio, []byte("fresh")))
	require.NoError(t, a.Accept("agent", protocol.TopicAudio, []byte(protocol.Terminator)))
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Text)
}

func TestAssemblerWithoutTimeoutNeverPrunes(t *testing.T) {
	a := NewAssembler(Options{Logger: newLogger()})
	now := time.Now()
	a.clock = func() time.Time { return now }
	require.NoError(t, a.Accept("agent", protocol.TopicAudio, []byte("partial")))
	now = now.Add(24 * time.Hour)
	assert.Equal(t, 0, a.Prune())
	assert.Equal(t, Accumulating, a.State("agent", protocol.TopicAudio))
}

func TestAssemblerForget(t *testing.T) {
	a := NewAssembler(Options{Logger: newLogger()})
	require.NoError(t, a.Accept("gone", protocol.TopicChat, []byte("x")))
	require.NoError(t, a.Accept("stays", protocol.TopicChat, []byte("y")))
	a.Forget("gone")
	assert.Equal(t, Idle, a.State("gone", protocol.TopicChat))
	assert.Equal(t, Accumulating, a.State("stays", protocol.TopicChat))
}

func TestAssemblerDecodeError(t *testing.T) {
	a := NewAssembler(Options{Logger: newLogger()})
	err := a.Accept("agent", protocol.TopicChat, []byte{0xff})
	assert.ErrorIs(t, err, ErrDecode)
}
