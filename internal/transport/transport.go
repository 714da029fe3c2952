package transport

import (
	"context"
	"errors"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/transcript"
)

var (
	ErrClosed       = errors.New("transport connection closed")
	ErrRemoteClosed = errors.New("transport closed by remote")
)

type EventType string

const (
	EventOpen         EventType = "open"
	EventChunk        EventType = "chunk"
	EventTranscript   EventType = "transcript"
	EventInterrupted  EventType = "interrupted"
	EventTurnComplete EventType = "turn_complete"
	EventError        EventType = "error"
	EventClose        EventType = "close"
)

// Event is one inbound notification from the remote endpoint. Error and
// Close are terminal; the channel is closed right after either.
type Event struct {
	Type       EventType
	Chunk      []byte
	SampleRate int
	Transcript transcript.Event
	Err        error
}

// Config describes the conversation to open.
type Config struct {
	SessionID         string
	Model             string
	SystemInstruction string
	VoiceName         string
	LanguageCode      string
}

// Conn is an open duplex channel. SendFrame is fire-and-forget; Close is
// idempotent and ends the Events stream.
type Conn interface {
	SendFrame(frame audio.Frame) error
	Events() <-chan Event
	Close() error
}

// Transport opens Conns. A returned Conn is not ready for audio until it has
// delivered EventOpen.
type Transport interface {
	Open(ctx context.Context, cfg Config) (Conn, error)
}
