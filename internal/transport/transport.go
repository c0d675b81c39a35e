// Package transport defines the room data-message primitive the agent publishes on and
// receivers subscribe to.
package transport

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-room/internal/protocol"
)

type Reliability int

const (
	// Reliable messages must eventually arrive, in publish order per topic.
	Reliable Reliability = iota
	BestEffort
)

func (r Reliability) String() string {
	if r == BestEffort {
		return protocol.ReliabilityBestEffortValue
	}
	return protocol.ReliabilityReliableValue
}

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Sender  string
	Payload []byte
}

type Handler func(Message)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, reliability Reliability) error
}

// Subscriber delivers messages of a topic in the order each sender published them.
// The returned function cancels the subscription.
type Subscriber interface {
	Subscribe(topic string, handler Handler) (func(), error)
}

type Transport interface {
	Publisher
	Subscriber
	// Identity is the participant identity this transport publishes as.
	Identity() string
	Close() error
}

// PublishFrames hands every frame to p in order. Cancellation is honoured only before the first
// frame; a started burst runs to the terminator. It stops at the first transport failure and
// reports how many frames were handed over.
func PublishFrames(ctx context.Context, p Publisher, frames []protocol.Frame, reliability Reliability) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	burst := context.WithoutCancel(ctx)
	for i, f := range frames {
		if err := p.Publish(burst, f.Topic, f.Payload, reliability); err != nil {
			return i, fmt.Errorf("publish frame %d/%d on %s: %w", i+1, len(frames), f.Topic, err)
		}
	}
	return len(frames), nil
}
