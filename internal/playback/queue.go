package playback

import (
	"io"
	"sync"
)

// PCMQueue is an io.Reader for pull-based players. Read blocks until bytes
// are queued or the queue is closed.
type PCMQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func NewPCMQueue() *PCMQueue {
	q := &PCMQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *PCMQueue) Write(pcm []byte) {
	q.mu.Lock()
	if !q.closed {
		q.buf = append(q.buf, pcm...)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *PCMQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

func (q *PCMQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *PCMQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}
