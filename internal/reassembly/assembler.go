package reassembly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Message is a completed logical message.
type Message struct {
	Sender string
	Topic  string
	Text   string
}

// Handler receives each completed message once, on the goroutine that passed the terminator
// to Accept.
type Handler func(Message)

// Options configures an Assembler.
type Options struct {
	// StallTimeout discards a partial message that received no frame for this long.
	// Zero keeps partial messages forever.
	StallTimeout time.Duration
	Logger       *slog.Logger
}

type key struct {
	sender string
	topic  string
}

type entry struct {
	session  Session
	lastSeen time.Time
}

// Assembler owns one Session per (sender, topic) and reports completed messages to its
// handlers. Frames for one key must be passed in arrival order.
type Assembler struct {
	opts     Options
	log      *slog.Logger
	clock    func() time.Time
	mu       sync.Mutex
	sessions map[key]*entry
	handlers []Handler

	completed metric.Int64Counter
	decodeErr metric.Int64Counter
	pruned    metric.Int64Counter
}

func NewAssembler(opts Options) *Assembler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &Assembler{
		opts:     opts,
		log:      log.With(slog.String("component", "reassembly")),
		clock:    time.Now,
		sessions: make(map[key]*entry),
	}
	a.initMetrics()
	return a
}

func (a *Assembler) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-room/reassembly")
	var err error
	if a.completed, err = meter.Int64Counter("loqa.reassembly.messages", metric.WithDescription("Logical messages reassembled")); err != nil {
		a.log.Warn("failed to create counter", slogError(err))
	}
	if a.decodeErr, err = meter.Int64Counter("loqa.reassembly.decode_errors", metric.WithDescription("Frames dropped because they did not decode")); err != nil {
		a.log.Warn("failed to create counter", slogError(err))
	}
	if a.pruned, err = meter.Int64Counter("loqa.reassembly.pruned", metric.WithDescription("Stalled partial messages discarded")); err != nil {
		a.log.Warn("failed to create counter", slogError(err))
	}
}

// OnMessage registers a handler for completed messages.
func (a *Assembler) OnMessage(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// Accept feeds one frame payload received from sender on topic. A decode error drops the frame
// and is returned to the caller; the session is left as it was.
func (a *Assembler) Accept(sender, topic string, payload []byte) error {
	k := key{sender: sender, topic: topic}

	a.mu.Lock()
	e := a.sessions[k]
	if e == nil {
		e = &entry{}
		a.sessions[k] = e
	}
	e.lastSeen = a.clock()
	text, done, err := e.session.Feed(payload)
	if done {
		delete(a.sessions, k)
	}
	handlers := a.handlers
	a.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("topic", topic))
	if err != nil {
		if a.decodeErr != nil {
			a.decodeErr.Add(context.Background(), 1, attrs)
		}
		return err
	}
	if !done {
		return nil
	}
	if a.completed != nil {
		a.completed.Add(context.Background(), 1, attrs)
	}
	msg := Message{Sender: sender, Topic: topic, Text: text}
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// State reports the state of the session for (sender, topic).
func (a *Assembler) State(sender, topic string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.sessions[key{sender: sender, topic: topic}]; e != nil {
		return e.session.State()
	}
	return Idle
}

// Pending returns the number of partial messages held.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.sessions {
		if e.session.State() == Accumulating {
			n++
		}
	}
	return n
}

// Forget drops every session of sender, for example when the participant leaves the room.
func (a *Assembler) Forget(sender string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.sessions {
		if k.sender == sender {
			delete(a.sessions, k)
		}
	}
}

// Prune discards sessions whose last frame is older than the stall timeout and returns how many
// were dropped. It does nothing when no timeout is configured.
func (a *Assembler) Prune() int {
	if a.opts.StallTimeout <= 0 {
		return 0
	}
	now := a.clock()
	a.mu.Lock()
	var dropped []key
	for k, e := range a.sessions {
		if now.Sub(e.lastSeen) <= a.opts.StallTimeout {
			continue
		}
		if e.session.State() == Accumulating {
			dropped = append(dropped, k)
		}
		delete(a.sessions, k)
	}
	a.mu.Unlock()

	for _, k := range dropped {
		a.log.Warn("discarding stalled partial message", slog.String("sender", k.sender), slog.String("topic", k.topic))
		if a.pruned != nil {
			a.pruned.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", k.topic)))
		}
	}
	return len(dropped)
}

// Run prunes stalled sessions until ctx is done.
func (a *Assembler) Run(ctx context.Context) {
	if a.opts.StallTimeout <= 0 {
		return
	}
	interval := a.opts.StallTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Prune()
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
