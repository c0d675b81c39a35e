// Package natsroom carries room data messages over NATS subjects, one subject per topic.
// It serves deployments where participants share the bus instead of a LiveKit room.
package natsroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/protocol"
	"github.com/loqalabs/loqa-room/internal/transport"
	"github.com/nats-io/nats.go"
)

const defaultFlushTimeout = 2 * time.Second

type Room struct {
	bus      *bus.Client
	room     string
	identity string
	flush    time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ transport.Transport = (*Room)(nil)

// Join returns a transport publishing as identity in room.
func Join(busClient *bus.Client, room, identity string, log *slog.Logger) (*Room, error) {
	if busClient == nil {
		return nil, errors.New("nats room requires a bus client")
	}
	if room == "" || identity == "" {
		return nil, errors.New("room name and identity are required")
	}
	log.Info("joined nats room", slog.String("room", room), slog.String("identity", identity))
	return &Room{
		bus:      busClient,
		room:     room,
		identity: identity,
		flush:    defaultFlushTimeout,
		log:      log.With(slog.String("component", "natsroom")),
	}, nil
}

func (r *Room) Identity() string { return r.identity }

// Publish sends payload on the topic subject. Reliable publishes are flushed to the server before
// returning so a burst is fully handed over or reported as failed.
func (r *Room) Publish(ctx context.Context, topic string, payload []byte, reliability transport.Reliability) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(protocol.RoomDataSubject(r.room, topic))
	msg.Header.Set(protocol.HeaderSenderIdentity, r.identity)
	msg.Header.Set(protocol.HeaderReliability, reliability.String())
	msg.Data = payload
	if err := r.bus.Conn().PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if reliability == transport.Reliable {
		if err := r.bus.Conn().FlushTimeout(r.flush); err != nil {
			return fmt.Errorf("flush %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe delivers messages from other participants. NATS invokes the handler sequentially per
// subscription, which keeps each sender's publish order.
func (r *Room) Subscribe(topic string, handler transport.Handler) (func(), error) {
	subject := protocol.RoomDataSubject(r.room, topic)
	sub, err := r.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		sender := msg.Header.Get(protocol.HeaderSenderIdentity)
		if sender == r.identity {
			return
		}
		handler(transport.Message{Topic: topic, Sender: sender, Payload: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			r.log.Warn("unsubscribe failed", slog.String("subject", subject), slogError(err))
		}
	}, nil
}

func (r *Room) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	var errs []error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
