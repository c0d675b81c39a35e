package protocol

import (
	"fmt"
	"time"
)

// Room data topics shared by the agent and every receiver.
const (
	TopicChat     = "baymax-chat"
	TopicAudio    = "baymax-audio"
	TopicUserChat = "user-chat"
)

// Terminator is the payload of the frame that closes one logical message.
const Terminator = "EOM"

// DefaultChunkSize is the largest content frame, in bytes, placed on a room data channel.
const DefaultChunkSize = 60000

// Frame is one data message on the wire: either a content chunk or the terminator.
type Frame struct {
	Topic      string
	Payload    []byte
	Terminator bool
}

// TerminatorFrame returns the frame that ends a logical message on topic.
func TerminatorFrame(topic string) Frame {
	return Frame{Topic: topic, Payload: []byte(Terminator), Terminator: true}
}

// IsTerminator reports whether a received payload is the end-of-message marker.
func IsTerminator(payload []byte) bool {
	return string(payload) == Terminator
}

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Speaker    string    `json:"speaker,omitempty"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SummarizeRequest asks a summarization worker for the agent's reply to a conversation.
type SummarizeRequest struct {
	Conversation string    `json:"conversation"`
	TraceID      string    `json:"trace_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type SummarizeResponse struct {
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// SynthesizeRequest asks a speech worker to voice text.
type SynthesizeRequest struct {
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesizeResponse carries the audio as a data URI; Audio is empty when nothing was produced.
type SynthesizeResponse struct {
	Audio     string `json:"audio,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

const (
	SubjectAudioFramePrefix    = "audio.frame"
	SubjectTranscriptPartial   = "stt.text.partial"
	SubjectTranscriptFinal     = "stt.text.final"
	SubjectSummarizeRequest    = "llm.summarize.request"
	SubjectSynthesizeRequest   = "tts.synthesize.request"
	subjectRoomDataPrefix      = "room"
	HeaderSenderIdentity       = "Loqa-Sender"
	HeaderReliability          = "Loqa-Reliability"
	ReliabilityReliableValue   = "reliable"
	ReliabilityBestEffortValue = "best-effort"
)

// RoomDataSubject is the NATS subject carrying one room topic.
func RoomDataSubject(room, topic string) string {
	return fmt.Sprintf("%s.%s.data.%s", subjectRoomDataPrefix, room, topic)
}
