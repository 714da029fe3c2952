package playback

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/protocol"
)

// StreamOutput forwards scheduled chunks to a remote player as
// assistant_audio_chunk messages. Start times are sent as offsets from origin
// so the browser can map them onto its own audio clock. send reports whether
// the message was accepted; a refused chunk fails with ErrStalled.
type StreamOutput struct {
	sessionID string
	origin    time.Time
	send      func(any) bool

	mu     sync.Mutex
	closed bool
}

func NewStreamOutput(sessionID string, origin time.Time, send func(any) bool) *StreamOutput {
	return &StreamOutput{sessionID: sessionID, origin: origin, send: send}
}

func (o *StreamOutput) Schedule(item Scheduled) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	ok := o.send(protocol.AssistantAudioChunk{
		Type:          protocol.TypeAssistantAudio,
		SessionID:     o.sessionID,
		Seq:           item.Seq,
		Format:        audio.MIMEType(item.SampleRate),
		AudioBase64:   base64.StdEncoding.EncodeToString(item.PCM),
		StartOffsetMs: item.StartAt.Sub(o.origin).Milliseconds(),
		DurationMs:    item.Duration.Milliseconds(),
	})
	if !ok {
		return fmt.Errorf("%w: chunk %d not delivered", ErrStalled, item.Seq)
	}
	return nil
}

func (o *StreamOutput) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.send(protocol.PlaybackFlush{Type: protocol.TypePlaybackFlush, SessionID: o.sessionID})
	return nil
}

// Close tells the remote player to drop anything still queued.
func (o *StreamOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.send(protocol.PlaybackFlush{Type: protocol.TypePlaybackFlush, SessionID: o.sessionID})
	return nil
}

// MemoryOutput records everything scheduled on it. Used by tests and the
// mock transport wiring.
type MemoryOutput struct {
	mu      sync.Mutex
	items   []Scheduled
	flushes int
	closes  int
}

func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{}
}

func (o *MemoryOutput) Schedule(item Scheduled) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closes > 0 {
		return ErrClosed
	}
	o.items = append(o.items, item)
	return nil
}

func (o *MemoryOutput) Flush() error {
	o.mu.Lock()
	o.flushes++
	o.mu.Unlock()
	return nil
}

func (o *MemoryOutput) Close() error {
	o.mu.Lock()
	o.closes++
	o.mu.Unlock()
	return nil
}

func (o *MemoryOutput) Items() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.items))
	copy(out, o.items)
	return out
}

func (o *MemoryOutput) Flushes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushes
}

func (o *MemoryOutput) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}
