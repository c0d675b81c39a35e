// Package reassembly rebuilds logical messages from the frames produced by package chunk.
package reassembly

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-room/internal/protocol"
)

// ErrDecode marks a content frame that is not valid UTF-8. The frame is dropped and the session
// keeps its state.
var ErrDecode = errors.New("frame payload is not valid utf-8")

// State is the position of a Session between terminators.
type State int

const (
	// Idle has no partial message buffered.
	Idle State = iota
	// Accumulating holds content frames awaiting their terminator.
	Accumulating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session reassembles the frames of a single topic from a single sender.
// It is not safe for concurrent use.
type Session struct {
	buf   strings.Builder
	state State
}

func (s *Session) State() State { return s.state }

// Buffered returns the text accumulated for the message in progress.
func (s *Session) Buffered() string { return s.buf.String() }

// Feed consumes one frame payload. When the payload is the terminator it returns the completed
// message and true, and the session is back to Idle.
func (s *Session) Feed(payload []byte) (string, bool, error) {
	if protocol.IsTerminator(payload) {
		msg := s.buf.String()
		s.Reset()
		return msg, true, nil
	}
	if !utf8.Valid(payload) {
		return "", false, fmt.Errorf("%w (%d bytes)", ErrDecode, len(payload))
	}
	s.buf.Write(payload)
	s.state = Accumulating
	return "", false, nil
}

// Reset discards any partial message.
func (s *Session) Reset() {
	s.buf.Reset()
	s.state = Idle
}
