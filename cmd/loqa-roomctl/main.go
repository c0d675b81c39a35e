package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-room/internal/audio"
	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/chunk"
	"github.com/loqalabs/loqa-room/internal/config"
	"github.com/loqalabs/loqa-room/internal/reassembly"
	"github.com/loqalabs/loqa-room/internal/token"
	"github.com/loqalabs/loqa-room/internal/transport"
	"github.com/loqalabs/loqa-room/internal/transport/natsroom"
)

var version = "0.1.0-dev"

const usage = "expected 'chunk', 'send', 'listen', 'token' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "chunk":
		err = runChunk(os.Args[2:], os.Stdout)
	case "send":
		err = runSend(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; %s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runChunk prints the frames a message is split into.
func runChunk(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("chunk", flag.ExitOnError)
	limit := fs.Int("limit", 60000, "Largest content frame in bytes")
	topic := fs.String("topic", "baymax-chat", "Topic to frame the message for")
	fs.Parse(args)

	message := strings.Join(fs.Args(), " ")
	frames, err := chunk.Split(*topic, message, *limit)
	if err != nil {
		return err
	}
	for i, f := range frames {
		kind := "content"
		if f.Terminator {
			kind = "terminator"
		}
		fmt.Fprintf(out, "%d\t%s\t%d\t%q\n", i, kind, len(f.Payload), preview(f.Payload))
	}
	if chunk.Collides(message, *limit) {
		fmt.Fprintln(out, "warning: a content frame equals the terminator and will end the message early")
	}
	return nil
}

func preview(b []byte) string {
	const max = 40
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	return config.Load(path)
}

func joinRoom(ctx context.Context, cfg config.Config, identity string, log *slog.Logger) (*bus.Client, *natsroom.Room, error) {
	client, err := bus.Connect(ctx, cfg.Bus, log)
	if err != nil {
		return nil, nil, err
	}
	room, err := natsroom.Join(client, cfg.Room.Name, identity, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, room, nil
}

// runSend types a message into the room as a participant would.
func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "loqa-room.yaml", "Path to configuration file")
	identity := fs.String("identity", "user-cli", "Participant identity")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, room, err := joinRoom(ctx, cfg, *identity, log)
	if err != nil {
		return err
	}
	defer client.Close()
	defer room.Close()

	frames, err := chunk.Split(cfg.Protocol.UserChatTopic, strings.Join(fs.Args(), " "), cfg.Protocol.ChunkSize)
	if err != nil {
		return err
	}
	_, err = transport.PublishFrames(ctx, room, frames, transport.Reliable)
	return err
}

// runListen prints every message the agent publishes until interrupted. Audio replies are
// written as WAV files when -out is set.
func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	configPath := fs.String("config", "loqa-room.yaml", "Path to configuration file")
	identity := fs.String("identity", "listener-cli", "Participant identity")
	outDir := fs.String("out", "", "Directory for received audio")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	client, room, err := joinRoom(ctx, cfg, *identity, log)
	if err != nil {
		return err
	}
	defer client.Close()
	defer room.Close()

	asm := reassembly.NewAssembler(reassembly.Options{Logger: log})
	received := 0
	asm.OnMessage(func(m reassembly.Message) {
		if m.Topic != cfg.Protocol.AudioTopic {
			fmt.Printf("[%s] %s: %s\n", m.Topic, m.Sender, m.Text)
			return
		}
		received++
		fmt.Printf("[%s] %s: %d bytes of audio\n", m.Topic, m.Sender, len(m.Text))
		if *outDir == "" {
			return
		}
		if err := saveAudio(*outDir, received, m.Text); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})
	for _, topic := range []string{cfg.Protocol.ChatTopic, cfg.Protocol.AudioTopic} {
		if _, err := room.Subscribe(topic, func(msg transport.Message) {
			if err := asm.Accept(msg.Sender, msg.Topic, msg.Payload); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "listening in %s\n", cfg.Room.Name)
	<-ctx.Done()
	return nil
}

func saveAudio(dir string, n int, uri string) error {
	wav, err := audio.DecodeDataURI(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("reply-%03d.wav", n))
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return err
	}
	rate, channels, samples, err := audio.Info(path)
	if err != nil {
		return err
	}
	fmt.Printf("  saved %s (%d Hz, %d ch, %d samples)\n", path, rate, channels, samples)
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "loqa-room.yaml", "Path to configuration file")
	room := fs.String("room", "", "Room name; random when empty")
	identity := fs.String("identity", "", "Participant identity; random when empty")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	grant, err := token.NewIssuer(cfg.Room).Issue(*room, *identity, "")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(grant)
}
