// Package livekit joins a LiveKit room as the agent participant and exposes its data channel
// as a transport.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/loqalabs/loqa-room/internal/config"
	"github.com/loqalabs/loqa-room/internal/transport"
)

var ErrDisconnected = errors.New("livekit room disconnected")

// Callbacks are invoked from LiveKit's event goroutines and must not block.
type Callbacks struct {
	// OnMicrophone fires when a remote participant's microphone track is subscribed.
	OnMicrophone func(identity string)
	// OnParticipantJoined fires when a remote participant connects after the agent.
	OnParticipantJoined func(identity string)
	// OnParticipantLeft fires when a remote participant disconnects.
	OnParticipantLeft func(identity string)
}

type Room struct {
	room     *lksdk.Room
	identity string
	cb       Callbacks
	log      *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]transport.Handler
	closed bool
}

var _ transport.Transport = (*Room)(nil)

// Connect joins cfg.Room.Name with server credentials and auto-subscribes to remote tracks.
func Connect(ctx context.Context, cfg config.RoomConfig, cb Callbacks, log *slog.Logger) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Room{
		identity: cfg.Identity,
		cb:       cb,
		log:      log.With(slog.String("component", "livekit"), slog.String("room", cfg.Name)),
		subs:     make(map[string]map[int]transport.Handler),
	}

	room, err := lksdk.ConnectToRoom(
		cfg.URL,
		lksdk.ConnectInfo{
			APIKey:              cfg.APIKey,
			APISecret:           cfg.APISecret,
			RoomName:            cfg.Name,
			ParticipantIdentity: cfg.Identity,
			ParticipantName:     cfg.DisplayName,
		},
		r.callbacks(),
		lksdk.WithAutoSubscribe(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to livekit room %s: %w", cfg.Name, err)
	}
	r.room = room
	r.log.Info("joined livekit room", slog.String("identity", cfg.Identity))
	return r, nil
}

func (r *Room) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if pub.Source() != livekit.TrackSource_MICROPHONE {
					return
				}
				r.log.Info("microphone track subscribed", slog.String("participant", rp.Identity()))
				if r.cb.OnMicrophone != nil {
					r.cb.OnMicrophone(rp.Identity())
				}
			},
			OnDataPacket: r.handleDataPacket,
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Info("participant joined", slog.String("participant", rp.Identity()))
			if r.cb.OnParticipantJoined != nil {
				r.cb.OnParticipantJoined(rp.Identity())
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Info("participant left", slog.String("participant", rp.Identity()))
			if r.cb.OnParticipantLeft != nil {
				r.cb.OnParticipantLeft(rp.Identity())
			}
		},
		OnReconnecting: func() {
			r.log.Warn("reconnecting to room")
		},
		OnReconnected: func() {
			r.log.Info("reconnected to room")
		},
		OnDisconnected: func() {
			r.log.Info("disconnected from room")
		},
	}
}

func (r *Room) handleDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	user := data.ToProto().GetUser()
	if user == nil {
		return
	}
	r.dispatch(transport.Message{
		Topic:   user.GetTopic(),
		Sender:  params.SenderIdentity,
		Payload: user.GetPayload(),
	})
}

func (r *Room) dispatch(msg transport.Message) {
	if msg.Sender == r.identity {
		return
	}
	r.mu.RLock()
	handlers := make([]transport.Handler, 0, len(r.subs[msg.Topic]))
	for _, h := range r.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (r *Room) Identity() string { return r.identity }

// Participants lists the remote participants currently in the room.
func (r *Room) Participants() []string {
	if r.room == nil {
		return nil
	}
	remote := r.room.GetRemoteParticipants()
	out := make([]string, 0, len(remote))
	for _, rp := range remote {
		if id := rp.Identity(); id != r.identity {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) Publish(ctx context.Context, topic string, payload []byte, reliability transport.Reliability) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrDisconnected
	}
	err := r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(reliability == transport.Reliable),
		lksdk.WithDataPublishTopic(topic),
	)
	if err != nil {
		return fmt.Errorf("publish data packet on %s: %w", topic, err)
	}
	return nil
}

func (r *Room) Subscribe(topic string, handler transport.Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrDisconnected
	}
	if _, ok := r.subs[topic]; !ok {
		r.subs[topic] = make(map[int]transport.Handler)
	}
	id := r.nextID
	r.nextID++
	r.subs[topic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[topic], id)
		})
	}, nil
}

func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.subs = make(map[string]map[int]transport.Handler)
	r.mu.Unlock()
	if r.room != nil {
		r.room.Disconnect()
	}
	return nil
}
