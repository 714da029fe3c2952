package capture

import (
	"context"
	"sync"
)

// MockDevice is an in-process device for tests and the mock transport mode.
type MockDevice struct {
	mu       sync.Mutex
	deny     bool
	hold     bool
	requests int
	feeds    []*Feed
	entered  chan struct{}
}

func NewMockDevice() *MockDevice {
	return &MockDevice{entered: make(chan struct{}, 16)}
}

// Deny makes subsequent requests fail with ErrPermissionDenied.
func (d *MockDevice) Deny(deny bool) {
	d.mu.Lock()
	d.deny = deny
	d.mu.Unlock()
}

// Hold makes subsequent requests block until their context ends.
func (d *MockDevice) Hold(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
}

func (d *MockDevice) RequestAccess(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	d.requests++
	deny, hold := d.deny, d.hold
	d.mu.Unlock()

	select {
	case d.entered <- struct{}{}:
	default:
	}
	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if deny {
		return nil, ErrPermissionDenied
	}
	feed := NewFeed(64, FeedHooks{})
	d.mu.Lock()
	d.feeds = append(d.feeds, feed)
	d.mu.Unlock()
	return feed, nil
}

// Entered receives once per RequestAccess call.
func (d *MockDevice) Entered() <-chan struct{} { return d.entered }

func (d *MockDevice) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// LastFeed returns the most recently granted stream.
func (d *MockDevice) LastFeed() *Feed {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.feeds) == 0 {
		return nil
	}
	return d.feeds[len(d.feeds)-1]
}
