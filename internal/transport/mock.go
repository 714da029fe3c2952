package transport

import (
	"context"
	"sync"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/transcript"
)

// MockOptions shapes MockTransport behaviour.
type MockOptions struct {
	// Scripted makes each connection answer every ReplyEvery frames with a
	// canned exchange, so the server is usable without an API key.
	Scripted   bool
	ReplyEvery int
	// DeferOpen leaves EventOpen to the caller (see MockConn.Emit).
	DeferOpen bool
	// Hold makes Open block until its context ends.
	Hold    bool
	OpenErr error
}

// MockTransport is a local fallback used when no live endpoint is configured
// and by tests.
type MockTransport struct {
	opts MockOptions

	mu      sync.Mutex
	opens   int
	conns   []*MockConn
	entered chan struct{}
}

func NewMockTransport(opts MockOptions) *MockTransport {
	if opts.ReplyEvery <= 0 {
		opts.ReplyEvery = 8
	}
	return &MockTransport{opts: opts, entered: make(chan struct{}, 16)}
}

func (t *MockTransport) Open(ctx context.Context, cfg Config) (Conn, error) {
	t.mu.Lock()
	t.opens++
	t.mu.Unlock()
	select {
	case t.entered <- struct{}{}:
	default:
	}

	if t.opts.Hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.opts.OpenErr != nil {
		return nil, t.opts.OpenErr
	}

	c := &MockConn{
		events:     make(chan Event, 256),
		scripted:   t.opts.Scripted,
		replyEvery: t.opts.ReplyEvery,
	}
	if !t.opts.DeferOpen {
		c.Emit(Event{Type: EventOpen})
	}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

// Entered receives once per Open call.
func (t *MockTransport) Entered() <-chan struct{} { return t.entered }

func (t *MockTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *MockTransport) LastConn() *MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type MockConn struct {
	events     chan Event
	scripted   bool
	replyEvery int

	mu     sync.Mutex
	frames []audio.Frame
	closes int
	closed bool
}

func (c *MockConn) SendFrame(frame audio.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.frames = append(c.frames, frame)
	n := len(c.frames)
	c.mu.Unlock()

	if c.scripted && n%c.replyEvery == 0 {
		c.Emit(Event{Type: EventTranscript, Transcript: transcript.Event{Source: transcript.SourceCaller, Text: "simulated voice input", IsFinalForTurn: true}})
		c.Emit(Event{Type: EventTranscript, Transcript: transcript.Event{Source: transcript.SourceCallee, Text: "simulated reply", IsFinalForTurn: true}})
		c.Emit(Event{Type: EventChunk, Chunk: make([]byte, audio.PlaybackSampleRate/2), SampleRate: audio.PlaybackSampleRate})
		c.Emit(Event{Type: EventTurnComplete})
	}
	return nil
}

func (c *MockConn) Events() <-chan Event { return c.events }

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// Emit injects an inbound event. It reports false once the connection is
// closed or the buffer is full.
func (c *MockConn) Emit(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Fail delivers a terminal error the way a dropped remote connection would.
func (c *MockConn) Fail(err error) bool {
	if err == nil {
		err = ErrRemoteClosed
	}
	return c.Emit(Event{Type: EventError, Err: err})
}

func (c *MockConn) Frames() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *MockConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
