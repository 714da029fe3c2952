package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/protocol"
)

// RemoteDevice is a microphone living in a browser tab. RequestAccess sends
// a capture_request and waits for the matching capture_result; blocks then
// arrive as binary websocket frames and are fed in with Push.
type RemoteDevice struct {
	emit   func(any)
	buffer int

	mu      sync.Mutex
	waiting chan protocol.CaptureResult
	feed    *Feed
}

func NewRemoteDevice(emit func(any), buffer int) *RemoteDevice {
	return &RemoteDevice{emit: emit, buffer: buffer}
}

func (d *RemoteDevice) RequestAccess(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	if d.feed != nil && !d.feed.Released() {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	answer := make(chan protocol.CaptureResult, 1)
	d.waiting = answer
	d.mu.Unlock()

	d.emit(protocol.CaptureRequest{
		Type:       protocol.TypeCaptureRequest,
		SampleRate: audio.CaptureSampleRate,
		BlockSize:  audio.FrameSamples,
	})

	select {
	case <-ctx.Done():
		d.mu.Lock()
		if d.waiting == answer {
			d.waiting = nil
		}
		d.mu.Unlock()
		return nil, ctx.Err()
	case res := <-answer:
		if !res.Granted {
			detail := strings.TrimSpace(res.Detail)
			if detail == "" {
				return nil, ErrPermissionDenied
			}
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
		}
		feed := NewFeed(d.buffer, FeedHooks{})
		d.mu.Lock()
		d.feed = feed
		d.mu.Unlock()
		return feed, nil
	}
}

// Resolve delivers the browser's answer to an outstanding request. It
// reports false when nothing was waiting.
func (d *RemoteDevice) Resolve(res protocol.CaptureResult) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiting == nil {
		return false
	}
	d.waiting <- res
	d.waiting = nil
	return true
}

// Push feeds one capture block into the current stream, if any.
func (d *RemoteDevice) Push(block []float32) bool {
	d.mu.Lock()
	feed := d.feed
	d.mu.Unlock()
	if feed == nil {
		return false
	}
	return feed.Push(block)
}

func (d *RemoteDevice) SetActive(active bool) {
	d.mu.Lock()
	feed := d.feed
	d.mu.Unlock()
	if feed != nil {
		feed.SetActive(active)
	}
}

// Disconnect is called when the browser goes away. Any live stream is lost
// and any pending request is denied.
func (d *RemoteDevice) Disconnect() {
	d.mu.Lock()
	feed := d.feed
	waiting := d.waiting
	d.waiting = nil
	d.mu.Unlock()
	if waiting != nil {
		waiting <- protocol.CaptureResult{Granted: false, Detail: "client disconnected"}
	}
	if feed != nil {
		feed.Lose()
	}
}
