// Package chunk splits logical messages into frames that fit a room data channel.
//
// A message becomes zero or more content frames of at most limit bytes followed by exactly one
// terminator frame carrying protocol.Terminator. Content is UTF-8; frames are cut on code point
// boundaries so every content frame decodes on its own.
package chunk

import (
	"errors"
	"unicode/utf8"

	"github.com/loqalabs/loqa-room/internal/protocol"
)

var ErrInvalidLimit = errors.New("chunk limit must be positive")

// Split partitions message into content frames for topic and appends the terminator.
// Pieces never split a UTF-8 code point, so the content frame count is ceil(len(message)/limit)
// only for ASCII text; multi-byte text may need more frames, each still at most limit bytes
// unless a single code point is wider than limit.
func Split(topic, message string, limit int) ([]protocol.Frame, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	frames := make([]protocol.Frame, 0, len(message)/limit+2)
	rest := message
	for len(rest) > 0 {
		n := cut(rest, limit)
		frames = append(frames, protocol.Frame{Topic: topic, Payload: []byte(rest[:n])})
		rest = rest[n:]
	}
	return append(frames, protocol.TerminatorFrame(topic)), nil
}

// Count returns the number of content frames Split would produce, excluding the terminator.
func Count(message string, limit int) (int, error) {
	if limit <= 0 {
		return 0, ErrInvalidLimit
	}
	count := 0
	for rest := message; len(rest) > 0; count++ {
		rest = rest[cut(rest, limit):]
	}
	return count, nil
}

// Collides reports whether some content frame of message would equal the terminator payload,
// which receivers cannot tell apart from a real end of message.
func Collides(message string, limit int) bool {
	if limit <= 0 {
		return false
	}
	for rest := message; len(rest) > 0; {
		n := cut(rest, limit)
		if rest[:n] == protocol.Terminator {
			return true
		}
		rest = rest[n:]
	}
	return false
}

// cut returns the length of the next piece of s: limit bytes, moved back to the nearest code
// point boundary. A code point wider than limit is returned whole. Invalid UTF-8 with no boundary
// in reach is cut at limit.
func cut(s string, limit int) int {
	if len(s) <= limit {
		return len(s)
	}
	floor := limit - utf8.UTFMax
	if floor < 0 {
		floor = 0
	}
	for n := limit; n > floor; n-- {
		if utf8.RuneStart(s[n]) {
			return n
		}
	}
	if floor == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return limit
}
