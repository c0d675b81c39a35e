package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-room/internal/audio"
	"github.com/loqalabs/loqa-room/internal/config"
)

// execSynth runs a local voice command (piper, espeak-ng wrappers and the like). The request is
// written to stdin as JSON; the command prints a WAV file or raw s16le PCM at the configured
// format on stdout. The audio is streamed back in chunkDuration pieces.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	chunkBytes int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func NewExecSynth(cfg config.TTSConfig) (Synthesizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	chunkBytes := cfg.SampleRate * cfg.Channels * 2 * cfg.ChunkDurationMS / 1000
	if chunkBytes <= 0 {
		chunkBytes = 32 * 1024
	}
	chunkBytes -= chunkBytes % 2
	return &execSynth{argv: argv, sampleRate: cfg.SampleRate, channels: cfg.Channels, chunkBytes: chunkBytes}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		pcm, rate, channels, err := e.run(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		for seq := 0; seq == 0 || len(pcm) > 0; seq++ {
			n := min(e.chunkBytes, len(pcm))
			c := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: rate,
				Channels:   channels,
				PCM:        pcm[:n],
				Final:      n == len(pcm),
			}
			pcm = pcm[n:]
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest) ([]byte, int, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, SampleRate: e.sampleRate, Channels: e.channels})
	if err != nil {
		return nil, 0, 0, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, 0, 0, fmt.Errorf("tts command %s: %w: %s", e.argv[0], err, strings.TrimSpace(stderr.String()))
	}

	out := stdout.Bytes()
	if audio.IsWAV(out) {
		return audio.ReadPCM(bytes.NewReader(out))
	}
	if len(out)%2 != 0 {
		return nil, 0, 0, fmt.Errorf("tts command %s: odd pcm length %d", e.argv[0], len(out))
	}
	return out, e.sampleRate, e.channels, nil
}
