package capture

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrDeviceLost       = errors.New("capture device lost")
	ErrBusy             = errors.New("capture device already in use")
)

// Device hands out exclusive capture streams.
type Device interface {
	RequestAccess(ctx context.Context) (Stream, error)
}

// Stream delivers float capture blocks in [-1, 1]. The Blocks channel closes
// when the stream is released or the underlying device goes away; a close
// before Close was called means the device was lost.
type Stream interface {
	Blocks() <-chan []float32
	Active() bool
	StopTracks() error
	Close() error
}

// FeedHooks release whatever backs a Feed.
type FeedHooks struct {
	StopTracks func() error
	Release    func() error
}

// Feed is a channel-backed Stream. Producers call Push from any goroutine;
// blocks are dropped when the consumer falls behind.
type Feed struct {
	blocks chan []float32
	hooks  FeedHooks

	mu       sync.Mutex
	active   bool
	stopped  bool
	ended    bool
	released bool
	dropped  int
}

func NewFeed(buffer int, hooks FeedHooks) *Feed {
	if buffer <= 0 {
		buffer = 32
	}
	return &Feed{
		blocks: make(chan []float32, buffer),
		hooks:  hooks,
		active: true,
	}
}

func (f *Feed) Blocks() <-chan []float32 { return f.blocks }

func (f *Feed) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active && !f.stopped && !f.ended
}

// Push offers one block. It reports false when the block was not queued.
func (f *Feed) Push(block []float32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended || f.stopped {
		return false
	}
	select {
	case f.blocks <- block:
		return true
	default:
		f.dropped++
		return false
	}
}

// Lose marks the device as gone and closes the block channel.
func (f *Feed) Lose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.end()
}

// SetActive records the device-reported track state. Going inactive is
// treated as losing the device.
func (f *Feed) SetActive(active bool) {
	if !active {
		f.Lose()
	}
}

func (f *Feed) StopTracks() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.active = false
	hook := f.hooks.StopTracks
	f.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

func (f *Feed) Close() error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil
	}
	f.released = true
	f.active = false
	f.end()
	hook := f.hooks.Release
	f.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

// Released reports whether Close has been called.
func (f *Feed) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *Feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Feed) end() {
	if f.ended {
		return
	}
	f.ended = true
	close(f.blocks)
}
