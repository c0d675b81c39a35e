package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-room/internal/audio"
	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/config"
	"github.com/loqalabs/loqa-room/internal/natsserver"
)

type staticSynth struct {
	chunks []SynthChunk
	err    error
}

func (s staticSynth) Synthesize(context.Context, SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, len(s.chunks))
	errs := make(chan error, 1)
	for _, c := range s.chunks {
		chunks <- c
	}
	if s.err != nil {
		errs <- s.err
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestSpeakerReturnsDataURI(t *testing.T) {
	cfg := config.Default().TTS
	uri, ok, err := NewSpeaker(NewMockSynth(cfg.SampleRate, cfg.Channels), cfg).Synthesize(context.Background(), "Baymax: hello")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(uri, audio.DataURIPrefix))

	raw, err := audio.DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(raw[:4]))
}

func TestSpeakerConcatenatesChunks(t *testing.T) {
	cfg := config.Default().TTS
	synth := staticSynth{chunks: []SynthChunk{
		{PCM: []byte{1, 0, 2, 0}, SampleRate: 24000, Channels: 1},
		{PCM: []byte{3, 0}, SampleRate: 24000, Channels: 1},
		{Final: true},
	}}
	pcm, rate, channels, err := Collect(context.Background(), synth, SynthRequest{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, pcm)
	assert.Equal(t, 24000, rate)
	assert.Equal(t, 1, channels)

	_, ok, err := NewSpeaker(synth, cfg).Synthesize(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSpeakerNoAudio(t *testing.T) {
	cfg := config.Default().TTS
	uri, ok, err := NewSpeaker(staticSynth{chunks: []SynthChunk{{Final: true}}}, cfg).Synthesize(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, uri)
}

func TestSpeakerError(t *testing.T) {
	cfg := config.Default().TTS
	boom := errors.New("voice unavailable")
	_, ok, err := NewSpeaker(staticSynth{err: boom}, cfg).Synthesize(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}

func TestExecSynthRawPCM(t *testing.T) {
	cfg := config.Default().TTS
	cfg.SampleRate = 8000
	cfg.ChunkDurationMS = 1
	// Twenty s16le samples; 1ms at 8 kHz is 16 bytes.
	cfg.Command = `sh -c 'cat >/dev/null; printf "\001\000\002\000\003\000\004\000\005\000\006\000\007\000\010\000\011\000\012\000\013\000\014\000\015\000\016\000\017\000\020\000\021\000\022\000\023\000\024\000"'`
	synth, err := NewExecSynth(cfg)
	require.NoError(t, err)

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hello"})
	var got [][]byte
	for c := range chunks {
		got = append(got, c.PCM)
		assert.Equal(t, 8000, c.SampleRate)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 16)
	assert.Len(t, got[2], 8)
}

func TestExecSynthWAV(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	path, cleanup, err := audio.TempWAV(pcm, 22050, 1)
	require.NoError(t, err)
	defer cleanup()

	cfg := config.Default().TTS
	cfg.Command = "sh -c 'cat >/dev/null; cat " + path + "'"
	synth, err := NewExecSynth(cfg)
	require.NoError(t, err)
	got, rate, channels, err := Collect(context.Background(), synth, SynthRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
	assert.Equal(t, 22050, rate)
	assert.Equal(t, 1, channels)
}

func TestExecSynthFailure(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Command = `sh -c 'echo no voice >&2; exit 2'`
	synth, err := NewExecSynth(cfg)
	require.NoError(t, err)
	_, _, _, err = Collect(context.Background(), synth, SynthRequest{Text: "hello"})
	assert.ErrorContains(t, err, "no voice")

	cfg.Command = ""
	_, err = NewExecSynth(cfg)
	assert.Error(t, err)
}

func TestBusSpeakerRoundTrip(t *testing.T) {
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	defer client.Close()

	cfg := config.Default().TTS
	svc := NewService(context.Background(), client, NewSpeaker(NewMockSynth(cfg.SampleRate, cfg.Channels), cfg).Synthesize, log)
	require.NoError(t, svc.Start())
	defer svc.Close()
	assert.True(t, svc.Healthy())

	remote := NewBusSpeaker(client, cfg.Voice, 2*time.Second)
	uri, ok, err := remote.Synthesize(context.Background(), "Baymax: hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(uri, audio.DataURIPrefix))

	_, ok, err = remote.Synthesize(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}
