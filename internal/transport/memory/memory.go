// Package memory is a process-local room used by tests and local development.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-room/internal/transport"
)

var ErrClosed = errors.New("participant left the room")

// Room delivers every publish synchronously to the subscribers of the other participants, so
// per-topic order is the publish order.
type Room struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]subscription

	// Drop, when set, decides whether a message is lost in transit.
	Drop func(transport.Message) bool
}

type subscription struct {
	owner   *Participant
	handler transport.Handler
}

func NewRoom() *Room {
	return &Room{subs: make(map[string]map[int]subscription)}
}

// Join adds a participant with the given identity.
func (r *Room) Join(identity string) *Participant {
	return &Participant{room: r, identity: identity}
}

type Participant struct {
	room     *Room
	identity string

	mu     sync.Mutex
	closed bool
	cancel []func()
}

var _ transport.Transport = (*Participant)(nil)

func (p *Participant) Identity() string { return p.identity }

func (p *Participant) Publish(ctx context.Context, topic string, payload []byte, _ transport.Reliability) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	r := p.room
	r.mu.RLock()
	targets := make([]subscription, 0, len(r.subs[topic]))
	for _, sub := range r.subs[topic] {
		if sub.owner != p {
			targets = append(targets, sub)
		}
	}
	drop := r.Drop
	r.mu.RUnlock()

	for _, sub := range targets {
		msg := transport.Message{Topic: topic, Sender: p.identity, Payload: append([]byte(nil), payload...)}
		if drop != nil && drop(msg) {
			continue
		}
		sub.handler(msg)
	}
	return nil
}

func (p *Participant) Subscribe(topic string, handler transport.Handler) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	r := p.room
	r.mu.Lock()
	if _, ok := r.subs[topic]; !ok {
		r.subs[topic] = make(map[int]subscription)
	}
	id := r.nextID
	r.nextID++
	r.subs[topic][id] = subscription{owner: p, handler: handler}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if byTopic, ok := r.subs[topic]; ok {
				delete(byTopic, id)
				if len(byTopic) == 0 {
					delete(r.subs, topic)
				}
			}
		})
	}
	p.cancel = append(p.cancel, cancel)
	return cancel, nil
}

// Close leaves the room and cancels every subscription.
func (p *Participant) Close() error {
	p.mu.Lock()
	p.closed = true
	cancels := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}
